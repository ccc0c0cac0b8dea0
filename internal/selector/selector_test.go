package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMatchesFirstEntry(t *testing.T) {
	list := List{
		{Command: "echo abc", Table: []Entry{
			{Key: "xyz", FSName: "wrong"},
			{Key: "abc", FSName: "right", Overrides: "ro"},
		}},
	}

	ent, ok, err := Resolve(list)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "right", ent.FSName)
	assert.Equal(t, "ro", ent.Overrides)
}

func TestResolveNoMatch(t *testing.T) {
	list := List{
		{Command: "echo abc", Table: []Entry{{Key: "nope", FSName: "a"}}},
	}

	_, ok, err := Resolve(list)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveTrimsTrailingWhitespace(t *testing.T) {
	list := List{
		{Command: "printf 'abc\\n\\n'", Table: []Entry{{Key: "abc", FSName: "a"}}},
	}

	ent, ok, err := Resolve(list)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", ent.FSName)
}

func TestResolveMemoizesRepeatedCommand(t *testing.T) {
	// Two named selectors share one probe command that prints "first" and
	// creates a marker file on its first run, and prints "seen" after; if
	// the command ran twice, the second selector's expected key would no
	// longer match.
	dir := t.TempDir()
	counter := dir + "/count"
	cmd := "test -e " + counter + " && echo seen || (touch " + counter + " && echo first)"

	list := List{
		{Name: "a", Command: cmd, Table: []Entry{{Key: "wrong", FSName: "a"}}},
		{Name: "b", Command: cmd, Table: []Entry{{Key: "first", FSName: "b"}}},
	}

	ent, ok, err := Resolve(list)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", ent.FSName)
}

func TestResolvePropagatesCommandError(t *testing.T) {
	list := List{
		{Command: "exit 1", Table: []Entry{{Key: "x", FSName: "a"}}},
	}

	_, _, err := Resolve(list)
	assert.Error(t, err)
}

func TestResolveSelectorWithMultipleRowsSharesOneCommandRun(t *testing.T) {
	list := List{
		{Command: "echo abc", Table: []Entry{
			{Key: "nope", FSName: "a"},
			{Key: "abc", FSName: "b", Overrides: "maxmem=4096"},
		}},
	}

	ent, ok, err := Resolve(list)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", ent.FSName)
	assert.Equal(t, "maxmem=4096", ent.Overrides)
}
