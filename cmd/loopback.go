package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/netmgr/internal/log"
	"firestige.xyz/netmgr/internal/loopback"
	"firestige.xyz/netmgr/internal/metrics"
)

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run a TCP exchange between two cabled interfaces",
	Long: `Run the network driver inside a native host with two interfaces whose
cables are plugged into each other, then stream data over TCP from the first
interface to the second.

The first two configured interfaces are used; a built-in 10.0.0.0/24 pair is
used when the configuration names fewer. With trace.enabled every frame is
written to trace.path as pcap.

Examples:
  netmgr loopback --bytes 1048576
  netmgr loopback -c netmgr.yml --bytes 65536 --port 8080`,
	Run: func(cmd *cobra.Command, args []string) {
		runLoopbackCommand()
	},
}

var (
	loopbackBytes   int
	loopbackChunk   int
	loopbackPort    uint16
	loopbackTimeout time.Duration
	loopbackLinger  time.Duration
)

func init() {
	loopbackCmd.Flags().IntVar(&loopbackBytes, "bytes", 64*1024, "number of bytes to transfer")
	loopbackCmd.Flags().IntVar(&loopbackChunk, "chunk", loopback.DefaultChunk, "bytes per send request")
	loopbackCmd.Flags().Uint16Var(&loopbackPort, "port", loopback.DefaultPort, "server port")
	loopbackCmd.Flags().DurationVar(&loopbackTimeout, "timeout", 30*time.Second, "overall deadline")
	loopbackCmd.Flags().DurationVar(&loopbackLinger, "linger", 0,
		"keep the metrics endpoint up this long after the transfer (metrics.enabled only)")
}

func runLoopbackCommand() {
	cfg, err := loadConfig()
	if err != nil {
		exitWithError("failed to load config", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		exitWithError("failed to init logger", err)
	}
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, loopbackTimeout)
	defer cancel()

	opts := loopback.Options{
		Bytes: loopbackBytes,
		Chunk: loopbackChunk,
		Port:  loopbackPort,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger)
		if err := srv.Start(); err != nil {
			exitWithError("failed to start metrics server", err)
		}
		defer func() {
			if loopbackLinger > 0 {
				select {
				case <-time.After(loopbackLinger):
				case <-ctx.Done():
				}
			}
			_ = srv.Stop(context.Background())
		}()
	}

	start := time.Now()
	res, err := loopback.Run(ctx, cfg, opts, logger)
	if err != nil {
		exitWithError("loopback failed", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("transferred %d bytes to %s in %s\n", res.Received, res.Server, elapsed.Round(time.Millisecond))
	for _, info := range res.Interfaces {
		fmt.Printf("  if%d  rx %d (filtered %d, dropped %d)  tx %d (egress dropped %d)  failed %d\n",
			info.ID, info.Stats.RxFrames, info.Stats.RxFiltered, info.Stats.RxDropped,
			info.Stats.TxFrames, info.Stats.EgressDropped, info.FailedFrames)
	}
	if cfg.Trace.Enabled {
		fmt.Printf("trace: %d frames written to %s\n", res.TracedFrames, cfg.Trace.Path)
	}
	if res.Received != loopbackBytes {
		fmt.Fprintf(os.Stderr, "short transfer: %d of %d bytes\n", res.Received, loopbackBytes)
		os.Exit(1)
	}
}
