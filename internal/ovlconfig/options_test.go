package ovlconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresBaseRoot(t *testing.T) {
	_, err := Parse("storage=/tmp/s")
	require.Error(t, err)
}

func TestParseRequiresStorageRootUnlessNostorage(t *testing.T) {
	_, err := Parse("base_root=/tmp/b")
	require.Error(t, err)

	opts, err := Parse("base_root=/tmp/b,nostorage")
	require.NoError(t, err)
	assert.True(t, opts.NoStorage)
}

func TestParseShortcutsAndDefaults(t *testing.T) {
	opts, err := Parse("br=/tmp/b,sr=/tmp/s,mm=4096")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/b", opts.BaseRoot)
	assert.Equal(t, "/tmp/s", opts.StorageRoot)
	assert.Equal(t, 4096, opts.MaxMem)
	assert.Equal(t, "bbolt", opts.StgMethod)
	assert.True(t, opts.FollowMounts)
	assert.True(t, opts.StoreMaps)
}

func TestParseNegatedBools(t *testing.T) {
	opts, err := Parse("base_root=/tmp/b,nostorage,noxmnt,noupdmntonly")
	require.NoError(t, err)

	assert.True(t, opts.NoStorage)
	assert.False(t, opts.FollowMounts)
	assert.False(t, opts.UpdateOnUnmountOnly)
}

func TestParseMagicOptions(t *testing.T) {
	opts, err := Parse("base_root=/tmp/b,nostorage,magic,basemagic,showmagic,bmagic=.b,smagic=.s")
	require.NoError(t, err)

	assert.True(t, opts.Magic)
	assert.True(t, opts.BaseMagicEnabled)
	assert.True(t, opts.ShowMagic)
	assert.Equal(t, ".b", opts.BaseMagicName)
	assert.Equal(t, ".s", opts.StorageMagicName)
}

func TestParseUnrecognizedOptionForwardedToExtra(t *testing.T) {
	opts, err := Parse("base_root=/tmp/b,nostorage,vendor_flag,vendor_kv=7")
	require.NoError(t, err)

	assert.Equal(t, "true", opts.Extra["vendor_flag"])
	assert.Equal(t, "7", opts.Extra["vendor_kv"])
}

func TestParseStorageAlias(t *testing.T) {
	opts, err := Parse("base_root=/tmp/b,storage=/tmp/s2")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/s2", opts.StorageRoot)
}

func TestParseIgnoresBlankTokens(t *testing.T) {
	opts, err := Parse("base_root=/tmp/b, ,nostorage,")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", opts.BaseRoot)
}
