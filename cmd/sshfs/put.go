package main

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/querystor/sshfs/fs"
	"github.com/querystor/sshfs/sshfs"
)

var putCmd = &cobra.Command{
	Use:   "put <local>... <remote>",
	Short: "Stream local files to a remote",
	Long: `Stream one or more local files to a remote path. With several local
files the remote path is treated as a directory and each file keeps its
base name. Files upload concurrently; chunks of each file upload with
the configured per-file concurrency.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPut,
}

func init() {
	root.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	locals, remote := args[:len(args)-1], args[len(args)-1]
	opt, err := options()
	if err != nil {
		return err
	}
	f, err := sshfs.New(remote, opt)
	if err != nil {
		return err
	}
	g, _ := errgroup.WithContext(context.Background())
	for _, local := range locals {
		local := local
		dst := f.Path()
		if len(locals) > 1 {
			dst = path.Join(dst, filepath.Base(local))
		}
		g.Go(func() error {
			return putOne(f, local, dst)
		})
	}
	return g.Wait()
}

// putOne streams a single local file to dst on the remote
func putOne(f *sshfs.Fs, local, dst string) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	h, err := f.OpenWrite(dst)
	if err != nil {
		return err
	}
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(h, in, buf); err != nil {
		_ = h.Close()
		return errors.Wrapf(err, "uploading %q", local)
	}
	if err := h.Close(); err != nil {
		return errors.Wrapf(err, "uploading %q", local)
	}
	fs.Infof(nil, "uploaded %q to %q (%d bytes)", local, dst, h.Progress())
	return nil
}
