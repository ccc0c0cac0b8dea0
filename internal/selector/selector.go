// Package selector implements spec.md §6's mount-helper selectors: a
// named predicate that chooses among a table of candidate mount
// configurations based on the current environment. Grounded directly on
// the original ovlmount(8)'s selector grammar
// (mount/y.tab.c's "SPECIAL_SELECTOR : t_special t_selector NAME
// SPEC_SEL_CMD SELECTOR_TABLE" and mount/ovlfs_tab.h's fs_sel_struct): a
// selector owns exactly one shell command, and a table of "key" rows
// each carrying just a candidate key string, an fs name, and overrides —
// the command itself is never repeated per row.
package selector

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Entry is one row of a Selector's table: if running the selector's
// command yields Key, mount FSName with Overrides merged atop its base
// option string.
type Entry struct {
	Key       string
	FSName    string
	Overrides string
}

// Selector is a named predicate: a single shell command (run once,
// regardless of how many Table rows it serves) compared in turn against
// each row's Key. Mirrors fs_sel_struct's (name, cmd, table) shape.
type Selector struct {
	Name    string
	Command string
	Table   []Entry
}

// List is an ordered set of selectors, evaluated top to bottom; the
// first selector with a row whose Key matches its own command's output
// wins.
type List []Selector

// commandTimeout bounds how long a selector predicate's shell command may
// run, so a hung CD-ROM probe or network call cannot wedge the mount
// helper indefinitely.
const commandTimeout = 10 * time.Second

// Resolve evaluates list in order, returning the first matching entry.
// Each selector's command runs at most once per Resolve call, memoized
// by command string, since distinct selectors may probe the same
// command (e.g. the same blkid call checked against different UUIDs).
func Resolve(list List) (Entry, bool, error) {
	cache := map[string]string{}

	for _, sel := range list {
		out, ok := cache[sel.Command]
		if !ok {
			var err error
			out, err = runKey(sel.Command)
			if err != nil {
				return Entry{}, false, errors.Wrapf(err, "selector: run %q", sel.Command)
			}
			cache[sel.Command] = out
		}

		for _, ent := range sel.Table {
			if out == ent.Key {
				return ent, true, nil
			}
		}
	}

	return Entry{}, false, nil
}

func runKey(command string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", err
	}

	return strings.TrimSpace(out.String()), nil
}
