// Package fstab reads the ovlfs mount helper's configuration file
// (spec.md §6): one whitespace-separated entry per line, fields
// "fs base_root storage mnt_pt options stg_method stg_file", the way
// /etc/fstab lays out its own six columns.
//
// The same file may also carry selector blocks, grounded on the
// original ovlmount(8)'s "special selector NAME cmd key ... key ..."
// grammar (mount/y.tab.c, mount/ovlfs_tab.h's fs_sel_struct): a
// "@selector NAME 'command'" line declares a named selector and its one
// shared probe command, and each following "@key KEY FSNAME [overrides]"
// line adds a row to that selector's table until the next "@selector"
// line (or a plain fs entry) starts a new block.
package fstab

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ovlfs/ovlfs/internal/selector"
)

// Entry is one parsed configuration-file line.
type Entry struct {
	FSName     string
	BaseRoot   string
	Storage    string
	MountPoint string
	Options    string
	StgMethod  string
	StgFile    string
}

// Table is the full set of entries read from a configuration file, in
// file order.
type Table []Entry

// ByFSName returns the first entry whose FSName matches name.
func (t Table) ByFSName(name string) (Entry, bool) {
	for _, e := range t {
		if e.FSName == name {
			return e, true
		}
	}
	return Entry{}, false
}

// MergeEntry returns entry with overrides (a comma-separated option
// string from a matched selector row) folded into its Options field.
func MergeEntry(entry Entry, overrides string) Entry {
	entry.Options = MergeOptions(entry.Options, overrides)
	return entry
}

// Read parses the configuration file at path, returning both its fs
// entries and any selectors it declares. Blank lines and lines
// beginning with '#' are ignored, matching fstab's own comment
// convention.
func Read(path string) (Table, selector.List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fstab: open %q", path)
	}
	defer f.Close()

	return parse(f)
}

func parse(r io.Reader) (Table, selector.List, error) {
	var table Table
	var selectors selector.List
	var current *selector.Selector

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "@selector") {
			sel, err := parseSelectorHeader(line)
			if err != nil {
				return nil, nil, err
			}
			selectors = append(selectors, sel)
			current = &selectors[len(selectors)-1]
			continue
		}

		if strings.HasPrefix(line, "@key") {
			if current == nil {
				return nil, nil, errors.Errorf("fstab: %q with no preceding @selector line", line)
			}
			ent, err := parseKeyLine(line)
			if err != nil {
				return nil, nil, err
			}
			current.Table = append(current.Table, ent)
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, nil, errors.Errorf("fstab: malformed entry %q", line)
		}

		e := Entry{
			FSName:     fields[0],
			BaseRoot:   fields[1],
			Storage:    fields[2],
			MountPoint: fields[3],
		}
		if len(fields) > 4 {
			e.Options = fields[4]
		}
		if len(fields) > 5 {
			e.StgMethod = fields[5]
		}
		if len(fields) > 6 {
			e.StgFile = fields[6]
		}

		table = append(table, e)
		current = nil
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "fstab: scan")
	}

	return table, selectors, nil
}

// parseSelectorHeader parses "@selector NAME 'command'".
func parseSelectorHeader(line string) (selector.Selector, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "@selector"))

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return selector.Selector{}, errors.Errorf("fstab: malformed selector header %q", line)
	}
	name := fields[0]

	cmdPart := strings.TrimSpace(rest[len(name):])
	command, _, err := cutQuoted(cmdPart)
	if err != nil {
		return selector.Selector{}, errors.Wrapf(err, "fstab: selector header %q", line)
	}

	return selector.Selector{Name: name, Command: command}, nil
}

// parseKeyLine parses "@key key_string fs_name [overrides]".
func parseKeyLine(line string) (selector.Entry, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "@key"))

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return selector.Entry{}, errors.Errorf("fstab: malformed key line %q", line)
	}

	ent := selector.Entry{
		Key:    fields[0],
		FSName: fields[1],
	}
	if len(fields) > 2 {
		ent.Overrides = strings.Join(fields[2:], ",")
	}

	return ent, nil
}

// cutQuoted extracts a single-quoted token from the front of s (after
// trimming leading space), returning it unquoted along with the rest of
// the string.
func cutQuoted(s string) (token, rest string, err error) {
	s = strings.TrimLeft(s, " \t")
	if len(s) == 0 || s[0] != '\'' {
		return "", "", errors.New("expected a '-quoted command")
	}

	end := strings.IndexByte(s[1:], '\'')
	if end < 0 {
		return "", "", errors.New("unterminated '-quoted command")
	}

	return s[1 : end+1], strings.TrimLeft(s[end+2:], " \t"), nil
}

// MergeOptions appends override, a comma-separated option string from a
// matched selector entry, onto base, later options winning ties the way
// pflag's last-write-wins parsing in internal/ovlconfig already resolves
// duplicate keys.
func MergeOptions(base, override string) string {
	switch {
	case base == "":
		return override
	case override == "":
		return base
	default:
		return base + "," + override
	}
}
