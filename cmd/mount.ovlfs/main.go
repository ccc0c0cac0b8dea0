// Command mount.ovlfs is the user-space mount helper of spec.md §6: it
// reads a fstab-like configuration file, resolves an optional selector
// table to pick an entry, assembles that entry's option string, and
// either hands it off to the system mount(8) binary or mounts the
// overlay in-process.
//
// Flag parsing and the exec-the-real-binary pattern below are grounded
// on gcsfuse_mount_helper's handling of mount(8) option forwarding; the
// fstab/selector/exit-code machinery is specific to ovlfs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	fuse "github.com/ovlfs/ovlfs"
	"github.com/ovlfs/ovlfs/fuseutil"
	"github.com/ovlfs/ovlfs/internal/backingfs"
	"github.com/ovlfs/ovlfs/internal/fstab"
	"github.com/ovlfs/ovlfs/internal/overlay"
	"github.com/ovlfs/ovlfs/internal/ovlconfig"
	"github.com/ovlfs/ovlfs/internal/persist"
	"github.com/ovlfs/ovlfs/internal/selector"
)

// Exit codes per spec.md §6.
const (
	exitSuccess = 0
	exitUsage   = 1
	exitSelector = 2
	exitMount   = 3
)

// exitError carries the process exit code a failure should produce,
// distinguishing a usage/config error from a selector or mount failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var (
	configPath    string
	fsName        string
	printOnly     bool
	dryRun        bool
	internalMount bool
	showCommand   bool
	showKey       bool
	updateMtab    bool
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount.ovlfs",
		Short: "Mount an ovlfs overlay described by a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "/etc/ovlfstab", "path to the fstab-like configuration file")
	flags.StringVar(&fsName, "fs", "", "fs name of the configuration entry to mount")
	flags.BoolVar(&printOnly, "print-only", false, "print the assembled option string and exit without mounting")
	flags.BoolVar(&dryRun, "dry-run", false, "resolve selectors and options but do not mount")
	flags.BoolVar(&internalMount, "internal-mount", false, "mount in-process instead of invoking the system mount binary")
	flags.BoolVar(&showCommand, "show-command", false, "print the command that would invoke the system mount binary")
	flags.BoolVar(&showKey, "show-key", false, "print the selector key resolved for this environment, then exit")
	flags.BoolVar(&updateMtab, "update-mtab", false, "update /etc/mtab after a successful mount")

	return cmd
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if e, ok := err.(*exitError); ok {
			ee = e
		} else {
			ee = &exitError{code: exitUsage, err: err}
		}
		fmt.Fprintln(os.Stderr, "mount.ovlfs:", ee.err)
		os.Exit(ee.code)
	}
}

func run() error {
	table, selectors, err := fstab.Read(configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	if showKey {
		matched, ok, err := selector.Resolve(selectors)
		if err != nil {
			return &exitError{code: exitSelector, err: err}
		}
		if !ok {
			return &exitError{code: exitSelector, err: fmt.Errorf("no selector entry matched the current environment")}
		}
		fmt.Println(matched.Key)
		return nil
	}

	entry, err := resolveEntry(table, selectors)
	if err != nil {
		return err
	}

	optString := entry.Options
	if printOnly || showCommand {
		fmt.Println(assembleOptions(entry, optString))
	}
	if printOnly {
		return nil
	}

	if showCommand {
		fmt.Println(mountArgs(entry, optString))
	}

	if dryRun {
		return nil
	}

	if internalMount {
		return mountInternal(entry, optString)
	}

	return mountExternal(entry, optString)
}

// resolveEntry picks the fstab entry to mount: the one named by --fs if
// given, the table's single entry if it declares no selectors, or the
// selector-matched entry otherwise. A selector table with no match is a
// spec.md §6 exit-code-2 failure.
func resolveEntry(table fstab.Table, selectors selector.List) (fstab.Entry, error) {
	if fsName != "" {
		entry, ok := table.ByFSName(fsName)
		if !ok {
			return fstab.Entry{}, &exitError{code: exitUsage, err: fmt.Errorf("no configuration entry named %q", fsName)}
		}
		return entry, nil
	}

	if len(selectors) == 0 {
		if len(table) != 1 {
			return fstab.Entry{}, &exitError{code: exitUsage, err: fmt.Errorf("--fs required: configuration declares %d entries and no selectors", len(table))}
		}
		return table[0], nil
	}

	matched, ok, err := selector.Resolve(selectors)
	if err != nil {
		return fstab.Entry{}, &exitError{code: exitSelector, err: err}
	}
	if !ok {
		return fstab.Entry{}, &exitError{code: exitSelector, err: fmt.Errorf("no selector entry matched the current environment")}
	}

	entry, ok := table.ByFSName(matched.FSName)
	if !ok {
		return fstab.Entry{}, &exitError{code: exitSelector, err: fmt.Errorf("selector matched unknown fs %q", matched.FSName)}
	}
	return fstab.MergeEntry(entry, matched.Overrides), nil
}

func assembleOptions(entry fstab.Entry, opts string) string {
	opts = fstab.MergeOptions(opts, "base_root="+entry.BaseRoot)
	if entry.Storage != "" {
		opts = fstab.MergeOptions(opts, "storage="+entry.Storage)
	}
	if entry.StgMethod != "" {
		opts = fstab.MergeOptions(opts, "stg_method="+entry.StgMethod)
	}
	if entry.StgFile != "" {
		opts = fstab.MergeOptions(opts, "stg_file="+entry.StgFile)
	}
	return opts
}

func mountArgs(entry fstab.Entry, opts string) string {
	return fmt.Sprintf("mount -t ovlfs -o %s %s %s", assembleOptions(entry, opts), entry.FSName, entry.MountPoint)
}

// mountExternal hands the assembled option string to the system mount(8)
// binary, the way gcsfuse_mount_helper execs the real gcsfuse binary
// after translating its -o options.
func mountExternal(entry fstab.Entry, opts string) error {
	args := []string{"-t", "ovlfs", "-o", assembleOptions(entry, opts), entry.FSName, entry.MountPoint}
	cmd := exec.Command("mount", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return &exitError{code: exitMount, err: fmt.Errorf("mount: %w", err)}
	}

	if updateMtab {
		if err := appendMtab(entry, opts); err != nil {
			logrus.WithError(err).Warn("mount.ovlfs: failed to update mtab")
		}
	}

	return nil
}

// mountInternal mounts the overlay in this process via an in-process
// fuse.ChannelTransport. Real kernel-facing mounts (opening /dev/fuse and
// decoding the kernel wire protocol) are host mount machinery this
// package does not implement; see fuse.Transport's doc comment. This
// path exists for testing and for environments that prefer not to shell
// out to mount(8).
func mountInternal(entry fstab.Entry, optString string) error {
	opts, err := ovlconfig.Parse(fstab.MergeOptions(optString, assembleOptions(entry, "")))
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	base, err := backingfs.New(opts.BaseRoot)
	if err != nil {
		return &exitError{code: exitMount, err: err}
	}

	var storage *backingfs.FS
	if !opts.NoStorage {
		storage, err = backingfs.New(opts.StorageRoot)
		if err != nil {
			return &exitError{code: exitMount, err: err}
		}
	}

	store, err := persist.Open(opts.StgFile)
	if err != nil {
		return &exitError{code: exitMount, err: err}
	}
	defer store.Close()

	ov, err := overlay.New(opts, base, storage, store, timeutil.RealClock(), logrus.StandardLogger())
	if err != nil {
		return &exitError{code: exitMount, err: err}
	}

	server := fuseutil.NewFileSystemServer(ov)
	transport := fuse.NewChannelTransport()

	mfs, err := fuse.Mount(entry.MountPoint, server, transport, &fuse.MountConfig{
		FSName: entry.FSName,
		Log:    logrus.StandardLogger(),
	})
	if err != nil {
		return &exitError{code: exitMount, err: err}
	}

	if updateMtab {
		if err := appendMtab(entry, optString); err != nil {
			logrus.WithError(err).Warn("mount.ovlfs: failed to update mtab")
		}
	}

	return mfs.Join(context.Background())
}

func appendMtab(entry fstab.Entry, opts string) error {
	f, err := os.OpenFile("/etc/mtab", os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s ovlfs %s 0 0\n", entry.FSName, entry.MountPoint, assembleOptions(entry, opts))
	_, err = f.WriteString(line)
	return err
}
