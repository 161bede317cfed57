package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/engine"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

type getOptions struct {
	output    string
	threads   int
	chunkSize string
	size      string
	noVerify  bool
}

var getOpts getOptions

var getCmd = &cobra.Command{
	Use:     "get [URL]",
	Short:   "Download a single file and exit.",
	Example: "govelocity get -t 8 -c 4MiB -o ubuntu.iso https://example.com/ubuntu.iso",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0], getOpts)
	},
}

func init() {
	getCmd.Flags().StringVarP(&getOpts.output, "output", "o", "", "output file (default: name from the URL inside download.out_dir)")
	getCmd.Flags().IntVarP(&getOpts.threads, "threads", "t", 0, "max concurrent connections (default: download.max_threads)")
	getCmd.Flags().StringVarP(&getOpts.chunkSize, "chunk-size", "c", "", "max bytes per range request, e.g. 5MiB (default: download.max_chunk_size)")
	getCmd.Flags().StringVar(&getOpts.size, "size", "", "file size, required with --no-verify, e.g. 700MB")
	getCmd.Flags().BoolVar(&getOpts.noVerify, "no-verify", false, "trust --size instead of probing the server")
}

func runGet(rawURL string, opts getOptions) error {
	sub := engine.Submission{
		URL:        rawURL,
		MaxThreads: opts.threads,
	}

	if opts.chunkSize != "" {
		n, err := humanize.ParseBytes(opts.chunkSize)
		if err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
		sub.MaxChunkSize = int(n)
	}

	if opts.size != "" {
		n, err := humanize.ParseBytes(opts.size)
		if err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}
		sub.FileSize = int64(n)
	}
	if opts.noVerify && opts.size == "" {
		return fmt.Errorf("--size is required with --no-verify")
	}

	if opts.output != "" {
		out, err := filepath.Abs(opts.output)
		if err != nil {
			return err
		}
		sub.OutputPath = out
	}

	appCtx, err := bootstrap()
	if err != nil {
		return err
	}
	defer appCtx.Close()

	sub.VerifyLength = appCtx.Config.Download.VerifyLength && !opts.noVerify

	// Setup Signal Handling for Graceful Shutdown
	// We create a context that is cancelled when the user hits Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Keep log lines from tearing through the progress bar
	appCtx.Logger.SetConsole(os.Stderr)

	pbs := mpb.New(mpb.WithWidth(40))
	var bar atomic.Pointer[mpb.Bar]
	sub.Progress = func(p domain.Progress) {
		if b := bar.Load(); b != nil {
			if p.Failed {
				b.Abort(false)
				return
			}
			b.SetCurrent(p.BytesWritten)
		}
	}

	started := time.Now()
	job, err := appCtx.Jobs.Submit(ctx, sub)
	if err != nil {
		return err
	}

	name := filepath.Base(job.OutputPath)
	bar.Store(pbs.AddBar(job.FileSize,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DidentRight}),
			decor.Counters(decor.UnitKiB, "% .1f / % .1f", decor.WC{W: 4}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.AverageSpeed(decor.UnitKiB, " % .1f", decor.WC{W: 4}),
		),
	))

	go func() {
		<-ctx.Done()
		_ = appCtx.Jobs.Cancel(job.ID)
	}()

	err = appCtx.Jobs.Wait(context.Background(), job.ID)
	if err != nil {
		bar.Load().Abort(false)
	} else {
		// SetCurrent never completes a bar with a zero total
		bar.Load().SetTotal(job.FileSize, true)
	}
	pbs.Wait()

	if err != nil {
		return fmt.Errorf("download of %s failed: %w", rawURL, err)
	}

	elapsed := time.Since(started)
	fmt.Printf("Saved %s (%s) in %s\n", job.OutputPath, humanize.IBytes(uint64(job.FileSize)), elapsed.Round(time.Millisecond))
	return nil
}
