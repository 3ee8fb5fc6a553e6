package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/querystor/sshfs/sshfs"
)

var (
	catOffset int64
	catCount  int64
)

var catCmd = &cobra.Command{
	Use:   "cat <remote>",
	Short: "Write remote file contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	catCmd.Flags().Int64Var(&catOffset, "offset", 0, "start reading at this byte offset")
	catCmd.Flags().Int64Var(&catCount, "count", -1, "read at most this many bytes, -1 for all")
	root.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) error {
	opt, err := options()
	if err != nil {
		return err
	}
	f, err := sshfs.New(args[0], opt)
	if err != nil {
		return err
	}
	h, err := f.OpenRead(f.Path())
	if err != nil {
		return err
	}
	defer func() {
		_ = h.Close()
	}()
	if catOffset > 0 {
		if _, err := h.Seek(catOffset, io.SeekStart); err != nil {
			return err
		}
	}
	var src io.Reader = h
	if catCount >= 0 {
		src = io.LimitReader(h, catCount)
	}
	_, err = io.Copy(os.Stdout, src)
	return err
}
