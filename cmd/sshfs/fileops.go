package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/querystor/sshfs/sshfs"
)

// The small single-operation commands share this shape: parse the
// address, bind an Fs, run one facade call against its path.
func withFs(address string, fn func(f *sshfs.Fs) error) error {
	opt, err := options()
	if err != nil {
		return err
	}
	f, err := sshfs.New(address, opt)
	if err != nil {
		return err
	}
	return fn(f)
}

var statCmd = &cobra.Command{
	Use:   "stat <remote>",
	Short: "Print size and modification time of a remote file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			info, err := f.Stat(f.Path())
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\t%s\n", f.Path(), info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
			return nil
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote>",
	Short: "Create a remote directory and any missing parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			return f.Mkdir(f.Path())
		})
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <remote>",
	Short: "Remove an empty remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			return f.Rmdir(f.Path())
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <remote>",
	Short: "Remove a remote file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			return f.Remove(f.Path())
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <remote-src> <dst-path>",
	Short: "Rename a remote file on the same endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			return f.Move(f.Path(), args[1])
		})
	},
}

var truncateSize int64

var truncateCmd = &cobra.Command{
	Use:   "truncate <remote>",
	Short: "Set the size of a remote file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(args[0], func(f *sshfs.Fs) error {
			return f.Truncate(f.Path(), truncateSize)
		})
	},
}

func init() {
	truncateCmd.Flags().Int64Var(&truncateSize, "size", 0, "new size in bytes")
	root.AddCommand(statCmd, mkdirCmd, rmdirCmd, rmCmd, mvCmd, truncateCmd)
}
