package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/Chichichkin/logbeacon/internal/config"
	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/batch"
	"github.com/Chichichkin/logbeacon/internal/logging/enrich"
	"github.com/Chichichkin/logbeacon/internal/logging/loki"
	"github.com/Chichichkin/logbeacon/internal/logging/processor"
	"github.com/Chichichkin/logbeacon/internal/logging/sls"
	"github.com/Chichichkin/logbeacon/internal/store"
	"github.com/Chichichkin/logbeacon/internal/transport"
)

// pipeline owns every long-lived component. close stops them in reverse
// construction order. beacon is nil when payloads are sent synchronously.
type pipeline struct {
	store      *store.PebbleStore
	beacon     *transport.BeaconSender
	aggregator *batch.Aggregator
	clientID   string
	logger     *slog.Logger
}

func newLogger(cfg config.AppConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newEncoder(cfg config.AppConfig) (logging.Encoder, string) {
	switch cfg.Encoder {
	case config.EncoderSLS:
		return sls.NewEncoder("", cfg.Host), "application/x-protobuf"
	default:
		return loki.NewEncoder(cfg.Host, nil), "application/json"
	}
}

// resolveEndpoint appends the Loki push path to a bare base URL.
func resolveEndpoint(cfg config.AppConfig) string {
	if cfg.Endpoint == "" || cfg.Encoder != config.EncoderLoki {
		return cfg.Endpoint
	}
	if strings.HasSuffix(cfg.Endpoint, loki.PushPath) {
		return cfg.Endpoint
	}
	return strings.TrimRight(cfg.Endpoint, "/") + loki.PushPath
}

// resolveClientID returns the configured id, or a random one persisted on
// first use.
func resolveClientID(ctx context.Context, cfg config.AppConfig, st store.Store) (string, error) {
	if cfg.ClientID != "" {
		return cfg.ClientID, nil
	}
	id, ok, err := st.GetMeta(ctx, store.MetaClientID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := st.SetMeta(ctx, store.MetaClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

func openPipeline(ctx context.Context, cfg config.AppConfig, logger *slog.Logger, daemonMode bool) (*pipeline, error) {
	fsync, err := store.ParseFsyncMode(strings.ToLower(cfg.Fsync))
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{DataDir: cfg.DataDir, Fsync: fsync})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	clientID, err := resolveClientID(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var locator enrich.Locator
	if !cfg.GeoDisabled {
		locator = enrich.NewHTTPLocator(cfg.GeoURL, cfg.GeoTimeout, cfg.GeoRetryInterval)
	}

	encoder, contentType := newEncoder(cfg)
	if cfg.ContentType != "" {
		contentType = cfg.ContentType
	}
	httpSender := transport.NewHTTPSender(transport.HTTPOptions{
		Endpoint:    resolveEndpoint(cfg),
		ContentType: contentType,
		User:        cfg.AuthUser,
		Token:       cfg.AuthToken,
		Timeout:     cfg.SendTimeout,
		Logger:      logger,
	})
	var (
		sender logging.Sender = httpSender
		beacon *transport.BeaconSender
	)
	if daemonMode {
		beacon = transport.NewBeaconSender(httpSender, cfg.BeaconQueue, cfg.SendTimeout, logger)
		beacon.Start()
		sender = beacon
	}

	pipelineCfg := cfg.Pipeline()
	proc := processor.New(processor.Options{
		Store:       st,
		Locator:     locator,
		DedupWindow: pipelineCfg.DedupWindow,
		Logger:      logger,
	})
	aggregator := batch.New(ctx, batch.Options{
		Store:     st,
		Processor: proc,
		Encoder:   encoder,
		Sender:    sender,
		Config:    pipelineCfg,
		Logger:    logger,
		// one-shot commands leave unsent records for the next run
		KeepOnStop: !daemonMode,
	})
	aggregator.Start()

	return &pipeline{
		store:      st,
		beacon:     beacon,
		aggregator: aggregator,
		clientID:   clientID,
		logger:     logger,
	}, nil
}

func (p *pipeline) close() error {
	p.aggregator.Stop()
	if p.beacon != nil {
		p.beacon.Stop()
	}
	if err := p.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (p *pipeline) logMetrics() {
	m := p.aggregator.Metrics().GetMetricsStamp()
	p.logger.Info("pipeline metrics",
		"accepted", m.Accepted,
		"duplicates", m.Duplicates,
		"rejected_empty", m.RejectedEmpty,
		"flushes", m.Flushes,
		"failed_flushes", m.FailedFlushes,
		"aborted_flushes", m.AbortedFlushes,
		"bytes_sent", m.BytesSent,
	)
}

func openExistingStore(cfg config.AppConfig) (*store.PebbleStore, error) {
	if _, err := os.Stat(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("no data at %s: %w", cfg.DataDir, err)
	}
	return store.Open(store.Options{DataDir: cfg.DataDir, Fsync: store.FsyncModeNever})
}
