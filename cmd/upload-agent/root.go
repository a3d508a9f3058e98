// Command upload-agent is the Client Upload Agent: it uploads one large
// file to S3-compatible storage through a coordinator backend, part by
// part, resumably. `start` runs the agent in the foreground for one file;
// `status`, `pause`, `resume`, and `cancel` are lightweight remote
// controls that talk to an already-running agent over its local
// WebSocket control surface.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/partstream/upload-agent/internal/agentconfig"
)

var (
	flagBackendURL       string
	flagStateDir         string
	flagPartSizeMB       int64
	flagMinPartSizeMB    int64
	flagMaxPartSizeMB    int64
	flagMaxParts         int
	flagWorkersMin       int
	flagWorkersMax       int
	flagWorkersAuto      bool
	flagPresignBatch     int
	flagPresignLookahead int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMS int
	flagRetryMaxDelayMS  int
	flagHTTPTimeoutSec   int
	flagProgressMS       int
	flagWSPort           int
)

// Version is set at build time via -ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "upload-agent",
		Short:   "Resumable, flow-controlled multipart upload agent",
		Version: Version,
	}

	def := agentconfig.Default()

	root.PersistentFlags().StringVar(&flagBackendURL, "backend-url", "", "coordinator backend base URL (required for start)")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", def.StateDir, "directory for the durable state store")
	root.PersistentFlags().Int64Var(&flagPartSizeMB, "part-size-mb", def.PartSizeBytes/agentconfig.MiB, "requested part size in MiB")
	root.PersistentFlags().Int64Var(&flagMinPartSizeMB, "min-part-size-mb", def.MinPartSizeMB, "minimum allowed part size in MiB")
	root.PersistentFlags().Int64Var(&flagMaxPartSizeMB, "max-part-size-mb", def.MaxPartSizeMB, "maximum allowed part size in MiB")
	root.PersistentFlags().IntVar(&flagMaxParts, "max-parts", def.MaxParts, "maximum number of parts per upload")
	root.PersistentFlags().IntVar(&flagWorkersMin, "workers-min", def.WorkersMin, "minimum worker pool size")
	root.PersistentFlags().IntVar(&flagWorkersMax, "workers-max", def.WorkersMax, "maximum worker pool size")
	root.PersistentFlags().BoolVar(&flagWorkersAuto, "workers-auto", def.WorkersAuto, "auto-size the worker pool from CPU and memory")
	root.PersistentFlags().IntVar(&flagPresignBatch, "presign-batch-size", def.PresignBatchSize, "URLs requested per presign call")
	root.PersistentFlags().IntVar(&flagPresignLookahead, "presign-lookahead", def.PresignLookahead, "URL buffer high-water mark")
	root.PersistentFlags().IntVar(&flagRetryMaxAttempts, "retry-max-attempts", def.RetryMaxAttempts, "retries after the first attempt before a part fails permanently")
	root.PersistentFlags().IntVar(&flagRetryBaseDelayMS, "retry-base-delay-ms", int(def.RetryBaseDelay/time.Millisecond), "retry backoff base delay in milliseconds")
	root.PersistentFlags().IntVar(&flagRetryMaxDelayMS, "retry-max-delay-ms", int(def.RetryMaxDelay/time.Millisecond), "retry backoff cap in milliseconds")
	root.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout-s", int(def.HTTPTimeout/time.Second), "per-request HTTP timeout in seconds")
	root.PersistentFlags().IntVar(&flagProgressMS, "progress-interval-ms", int(def.ProgressInterval/time.Millisecond), "progress tick interval in milliseconds")
	root.PersistentFlags().IntVar(&flagWSPort, "ws-port", def.WSPort, "local control surface WebSocket port")

	root.AddCommand(newStartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPauseCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newCancelCmd())

	return root
}

func buildConfig() (agentconfig.Config, error) {
	cfg := agentconfig.Default()
	cfg.BackendURL = flagBackendURL
	cfg.StateDir = flagStateDir
	cfg.PartSizeBytes = flagPartSizeMB * agentconfig.MiB
	cfg.MinPartSizeMB = flagMinPartSizeMB
	cfg.MaxPartSizeMB = flagMaxPartSizeMB
	cfg.MaxParts = flagMaxParts
	cfg.WorkersMin = flagWorkersMin
	cfg.WorkersMax = flagWorkersMax
	cfg.WorkersAuto = flagWorkersAuto
	cfg.PresignBatchSize = flagPresignBatch
	cfg.PresignLookahead = flagPresignLookahead
	cfg.RetryMaxAttempts = flagRetryMaxAttempts
	cfg.RetryBaseDelay = time.Duration(flagRetryBaseDelayMS) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(flagRetryMaxDelayMS) * time.Millisecond
	cfg.HTTPTimeout = time.Duration(flagHTTPTimeoutSec) * time.Second
	cfg.ProgressInterval = time.Duration(flagProgressMS) * time.Millisecond
	cfg.WSPort = flagWSPort

	if err := cfg.Validate(); err != nil {
		return agentconfig.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
