// Command mkfs formats a regular file or block device as an SFS
// filesystem image.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nosway/gosfs"
)

var (
	flagBlockSize uint32
	flagSize      int64
	flagVerbose   bool
)

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:   "mkfs [flags] <image>",
		Short: "Create a new SFS filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVerbose {
				log.SetLevel(logrus.DebugLevel)
			}
			return runMkfs(log, args[0])
		},
	}

	flags := pflag.NewFlagSet("mkfs", pflag.ExitOnError)
	flags.Uint32Var(&flagBlockSize, "block-size", sfs.DefaultBlockSize, "block size in bytes")
	flags.Int64Var(&flagSize, "size", 0, "image size in bytes (required when the image is new or empty)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.Flags().AddFlagSet(flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMkfs(log *logrus.Logger, path string) error {
	size := flagSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if size == 0 {
		// Seeking to the end gives the size of a block device as well
		// as of a regular file (Stat reports 0 for a device).
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		size = end
		if size == 0 {
			return fmt.Errorf("--size is required when creating a new image file")
		}
	} else {
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("truncate %s to %d bytes: %w", path, size, err)
		}
	}

	log.WithFields(logrus.Fields{
		"path":       path,
		"size_bytes": size,
		"block_size": flagBlockSize,
	}).Info("formatting image")

	if err := sfs.Format(f, size, sfs.FormatOptions{BlockSize: flagBlockSize}); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	log.Info("format complete")
	return nil
}
