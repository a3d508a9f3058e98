package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/partstream/upload-agent/internal/control"
	"github.com/partstream/upload-agent/internal/events"
	"github.com/partstream/upload-agent/internal/logging"
	"github.com/partstream/upload-agent/internal/state"
	"github.com/partstream/upload-agent/internal/supervisor"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [file]",
		Short: "Upload a file, or with no argument auto-resume the most recent incomplete job",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	if cfg.BackendURL == "" {
		return fmt.Errorf("--backend-url is required")
	}

	log := logging.NewConsoleLogger()

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	sup := supervisor.New(cfg, store, bus, log)
	ctrl := control.New(cfg, bus, sup, sup, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("control surface stopped")
		}
	}()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	if len(args) == 0 {
		if err := sup.AutoResume(ctx); err != nil {
			return fmt.Errorf("auto-resume: %w", err)
		}
		if !sup.Active() {
			return fmt.Errorf("no resumable upload found; pass a file path to start a new one")
		}
	} else if err := sup.Start(ctx, args[0], ""); err != nil {
		return fmt.Errorf("start upload: %w", err)
	}

	var bar *progressbar.ProgressBar
	for {
		select {
		case <-ctx.Done():
			sup.Cancel()
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return fmt.Errorf("event bus closed before upload finished")
			}
			switch e := ev.(type) {
			case events.ProgressEvent:
				if bar == nil && e.TotalBytes > 0 {
					bar = newProgressBar(e.TotalBytes)
				}
				if bar != nil {
					bar.Set64(e.BytesTransferred)
				}
			case events.StatusEvent:
				switch e.Status {
				case "completed":
					if bar != nil {
						bar.Finish()
					}
					fmt.Fprintf(os.Stdout, "upload %s completed\n", e.UploadID)
					return nil
				case "failed":
					return fmt.Errorf("upload %s failed", e.UploadID)
				case "cancelled":
					return fmt.Errorf("upload %s cancelled", e.UploadID)
				}
			case events.ErrorEvent:
				fmt.Fprintf(os.Stderr, "error [%s]: %s\n", e.Code, e.Err)
			}
		}
	}
}

func newProgressBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}
