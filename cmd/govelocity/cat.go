package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/datallboy/govelocity/internal/app"
	"github.com/datallboy/govelocity/internal/infra/config"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type catOptions struct {
	offset string
	length string
	cache  string
}

var catOpts catOptions

var catCmd = &cobra.Command{
	Use:     "cat [URL]",
	Short:   "Stream part of a remote file to stdout without downloading all of it.",
	Example: "govelocity cat --offset 1MiB --length 512 https://example.com/disk.img | xxd",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCat(cmd.Context(), args[0], catOpts, cmd.OutOrStdout())
	},
}

func init() {
	catCmd.Flags().StringVar(&catOpts.offset, "offset", "0", "first byte to print, e.g. 4KiB")
	catCmd.Flags().StringVar(&catOpts.length, "length", "", "number of bytes to print (default: to the end)")
	catCmd.Flags().StringVar(&catOpts.cache, "cache", "64KiB", "initial read-ahead window")
}

func runCat(ctx context.Context, rawURL string, opts catOptions, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	offset, err := humanize.ParseBytes(opts.offset)
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	cache, err := humanize.ParseBytes(opts.cache)
	if err != nil {
		return fmt.Errorf("invalid --cache: %w", err)
	}
	length := int64(-1)
	if opts.length != "" {
		n, err := humanize.ParseBytes(opts.length)
		if err != nil {
			return fmt.Errorf("invalid --length: %w", err)
		}
		length = int64(n)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := rangehttp.NewReader(ctx, u, -1, int(cache), app.HTTPOptions(cfg))
	if err != nil {
		return fmt.Errorf("could not open %s: %w", u.Redacted(), err)
	}
	defer r.Close()

	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	var src io.Reader = r
	if length >= 0 {
		src = io.LimitReader(r, length)
	}

	out := bufio.NewWriter(w)
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Flush()
}
