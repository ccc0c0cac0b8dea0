// Package ovlconfig parses the mount option string (spec.md §6) into the
// ovlconfig.Options struct consumed by internal/overlay.New.
//
// Mount options arrive as a single comma-separated string, the way
// mount(8) hands a file system its "-o" argument; this package expands
// that string into long-flag tokens and parses them with
// github.com/spf13/pflag, mirroring rclone's own option-string parsing
// idiom (an rclone "backend flags" FlagSet built from a string rather
// than os.Args).
package ovlconfig

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Options is the parsed, validated form of the option table in spec.md
// §6, plus the supplemented magic-directory controls of SPEC_FULL.md §8.
type Options struct {
	BaseRoot    string
	StorageRoot string
	NoStorage   bool
	StgMethod   string
	StgFile     string
	MaxMem      int

	FollowMounts bool

	UpdateOnUnmountOnly bool

	StoreMaps  bool
	BaseMap    bool
	StorageMap bool

	Magic                bool
	BaseMagicEnabled     bool
	StorageMagicEnabled  bool
	ShowMagic            bool
	BaseMagicName        string
	StorageMagicName     string

	// Extra carries any unrecognized option, forwarded verbatim to the
	// persistence backend per spec.md §6.
	Extra map[string]string
}

// shortcuts maps the abbreviated option names of spec.md §6, and the
// positive boolean names that differ from their pflag flag name, to the
// long form they stand for, expanded before pflag parsing.
var shortcuts = map[string]string{
	"br":    "base_root",
	"root":  "base_root",
	"sr":    "storage_root",
	"nost":  "nostorage",
	"method": "stg_method",
	"mm":    "maxmem",
	"xm":    "follow-mounts",
	"xmnt":  "follow-mounts",
	"noxm":  "noxmnt",
	"um":    "update-on-unmount-only",
	"updmntonly": "update-on-unmount-only",
	"noum":  "noupdmntonly",
	"ma":    "store-maps",
	"storemaps": "store-maps",
	"basemap": "base-map",
	"stgmap": "storage-map",
	"noma":  "nostoremaps",
	"mg":    "magic",
	"nomg":  "nomagic",
	"sn":    "smagic",
	"bn":    "bmagic",
}

// negatedBools maps a "no*" long-form option name to the canonical
// boolean flag it clears.
var negatedBools = map[string]string{
	"nostorage":    "storage-enabled",
	"noxmnt":       "follow-mounts",
	"noupdmntonly": "update-on-unmount-only",
	"nostoremaps":  "store-maps",
	"nobasemap":    "base-map",
	"nostgmap":     "storage-map",
	"nomagic":      "magic",
}

// Parse parses raw, a comma-separated option string of the form produced
// by mount(8)'s "-o" argument (e.g. "base_root=/b,storage=/s,maxmem=4096").
func Parse(raw string) (Options, error) {
	fs := pflag.NewFlagSet("ovlfs", pflag.ContinueOnError)

	baseRoot := fs.String("base_root", "", "")
	storageRoot := fs.String("storage_root", "", "")
	storageEnabled := fs.Bool("storage-enabled", true, "")
	stgMethod := fs.String("stg_method", "bbolt", "")
	stgFile := fs.String("stg_file", "", "")
	maxMem := fs.Int("maxmem", 0, "")
	followMounts := fs.Bool("follow-mounts", true, "")
	updateOnUnmountOnly := fs.Bool("update-on-unmount-only", false, "")
	storeMaps := fs.Bool("store-maps", true, "")
	baseMap := fs.Bool("base-map", true, "")
	storageMap := fs.Bool("storage-map", true, "")
	magic := fs.Bool("magic", false, "")
	baseMagic := fs.Bool("basemagic", false, "")
	storageMagic := fs.Bool("ovlmagic", false, "")
	showMagic := fs.Bool("showmagic", false, "")
	smagic := fs.String("smagic", ".ovlfs_storage", "")
	bmagic := fs.String("bmagic", ".ovlfs_base", "")

	extra := map[string]string{}
	var args []string

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		key, val, hasVal := strings.Cut(tok, "=")
		if long, ok := shortcuts[key]; ok {
			key = long
		}

		if canonical, ok := negatedBools[key]; ok {
			args = append(args, "--"+canonical+"=false")
			continue
		}

		if !hasVal {
			// A bare boolean option; an unrecognized bare token is forwarded
			// verbatim rather than rejected, per spec.md §6's "unrecognized
			// options are passed through" note.
			if fs.Lookup(key) == nil {
				extra[key] = "true"
				continue
			}
			args = append(args, "--"+key+"=true")
			continue
		}

		if key == "storage" {
			key = "storage_root"
		}

		if fs.Lookup(key) == nil {
			extra[key] = val
			continue
		}

		args = append(args, "--"+key+"="+val)
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, errors.Wrap(err, "ovlconfig: parse options")
	}

	opts := Options{
		BaseRoot:            *baseRoot,
		StorageRoot:         *storageRoot,
		NoStorage:           !*storageEnabled,
		StgMethod:           *stgMethod,
		StgFile:             *stgFile,
		MaxMem:              *maxMem,
		FollowMounts:        *followMounts,
		UpdateOnUnmountOnly: *updateOnUnmountOnly,
		StoreMaps:           *storeMaps,
		BaseMap:             *baseMap,
		StorageMap:          *storageMap,
		Magic:               *magic,
		BaseMagicEnabled:    *baseMagic,
		StorageMagicEnabled: *storageMagic,
		ShowMagic:           *showMagic,
		BaseMagicName:       *bmagic,
		StorageMagicName:    *smagic,
		Extra:               extra,
	}

	if opts.BaseRoot == "" {
		return Options{}, errors.New("ovlconfig: base_root is required")
	}
	if !opts.NoStorage && opts.StorageRoot == "" {
		return Options{}, errors.New("ovlconfig: storage_root is required unless nostorage is set")
	}

	return opts, nil
}
