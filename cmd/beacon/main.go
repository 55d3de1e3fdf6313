package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Chichichkin/logbeacon/internal/config"
	"github.com/Chichichkin/logbeacon/internal/daemon"
	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/processor"
)

const metricsInterval = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "beacon",
		Short:         "Durable log buffering, deduplication and delivery",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	load := func() (config.AppConfig, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(newRunCmd(load))
	rootCmd.AddCommand(newSendCmd(load))
	rootCmd.AddCommand(newFlushCmd(load))
	rootCmd.AddCommand(newEndpointCmd(load))
	rootCmd.AddCommand(newInspectCmd(load))
	return rootCmd
}

type loader func() (config.AppConfig, error)

func newRunCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Tail log files and ship them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := openPipeline(ctx, cfg, logger, true)
			if err != nil {
				return err
			}

			source := daemon.NewTailSource(ctx, daemon.Config{
				LogRootPath:    cfg.TailRoot,
				ScanInterval:   cfg.TailScanInterval,
				Workers:        cfg.TailWorkers,
				FileQueueSize:  cfg.TailQueueSize,
				NodeName:       cfg.Host,
				ClientID:       p.clientID,
				UserAgent:      cfg.UserAgent,
				ReportInterval: metricsInterval,
				Logger:         logger,
			}, p.aggregator)
			source.Start()
			logger.Info("beacon started", "client_id", p.clientID, "encoder", cfg.Encoder)

			ticker := time.NewTicker(metricsInterval)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-ticker.C:
					p.logMetrics()
				case <-ctx.Done():
					break loop
				}
			}

			logger.Info("shutting down")
			source.Stop()
			p.logMetrics()
			return p.close()
		},
	}
}

func newSendCmd(load loader) *cobra.Command {
	var (
		level string
		url   string
		flush bool
	)
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Buffer one log record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := logging.ParseLevel(level)
			if !ok {
				return fmt.Errorf("unknown level %q", level)
			}
			return withPipeline(cmd, load, func(ctx context.Context, p *pipeline, cfg config.AppConfig) error {
				res, err := p.aggregator.AddLog(ctx, logging.Record{
					Level:     parsed,
					Content:   strings.Join(args, " "),
					ClientID:  p.clientID,
					UserAgent: cfg.UserAgent,
					URL:       url,
				})
				if err != nil {
					return err
				}
				if res.Accepted() {
					fmt.Fprintf(cmd.OutOrStdout(), "accepted id=%d bytes=%d\n", res.ID, res.Size)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "rejected: %s\n", res.Rejection)
				}
				if flush {
					return p.aggregator.Flush(ctx)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", string(logging.LevelInfo), "record level")
	cmd.Flags().StringVar(&url, "url", "", "page or resource URL attached to the record")
	cmd.Flags().BoolVar(&flush, "flush", false, "flush the buffer after inserting")
	return cmd
}

func newFlushCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver everything currently buffered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, load, func(ctx context.Context, p *pipeline, _ config.AppConfig) error {
				if err := p.aggregator.Flush(ctx); err != nil {
					return err
				}
				records, _, err := p.aggregator.Buffer(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records still buffered\n", len(records))
				return nil
			})
		},
	}
}

func newEndpointCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint <url>",
		Short: "Persist a sender endpoint override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, load, func(ctx context.Context, p *pipeline, _ config.AppConfig) error {
				return p.aggregator.HandleEvent(ctx, logging.Event{
					Type:     logging.EventConfigUpdate,
					Endpoint: args[0],
				})
			})
		},
	}
}

func newInspectCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print buffered records, digests and metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := openExistingStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			encoded, err := st.ListAll(ctx)
			if err != nil {
				return err
			}
			records, size, err := processor.DecodeAll(encoded)
			if err != nil {
				return err
			}
			digests, err := st.AllDigests(ctx)
			if err != nil {
				return err
			}
			meta, err := st.AllMeta(ctx)
			if err != nil {
				return err
			}
			return writeInspection(cmd.OutOrStdout(), records, size, len(digests), meta)
		},
	}
}

func writeInspection(w io.Writer, records []logging.Record, size, digests int, meta map[string]string) error {
	fmt.Fprintf(w, "records: %d (%d bytes)\n", len(records), size)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "digests: %d\n", digests)

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "meta:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, meta[k])
	}
	return nil
}

func withPipeline(cmd *cobra.Command, load loader, fn func(ctx context.Context, p *pipeline, cfg config.AppConfig) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	p, err := openPipeline(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	runErr := fn(ctx, p, cfg)
	if err := p.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
