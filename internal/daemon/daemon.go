// Package daemon tails log files under a directory tree and posts every new
// line to the pipeline as a log event.
package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// ClientID is stamped on every record.
	ClientID string
	// UserAgent is passed through enrichment as the raw agent string.
	UserAgent string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// ReportInterval controls how often metrics are logged. Zero disables it.
	ReportInterval time.Duration
	// FromStart reads existing file content instead of only new lines.
	FromStart bool
	Clock     logging.Clock
	Logger    *slog.Logger
}

// TailSource runs a fixed pool of workers, each tailing one file at a time.
type TailSource struct {
	config        Config
	handler       logging.EventHandler
	fileQueue     chan string
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *TailMetrics
	logger        *slog.Logger
	now           logging.Clock

	mu        sync.Mutex
	seenFiles map[string]struct{}
	tailing   map[string]struct{}
}

func NewTailSource(ctx context.Context, config Config, handler logging.EventHandler) *TailSource {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.FileQueueSize <= 0 {
		config.FileQueueSize = config.Workers
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &TailSource{
		config:    config,
		handler:   handler,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics:   newTailMetrics(config.FileQueueSize),
		logger:    config.Logger.With("component", "tail"),
		now:       config.Clock,
		seenFiles: make(map[string]struct{}),
		tailing:   make(map[string]struct{}),
	}
}

func (s *TailSource) Metrics() *TailMetrics {
	return s.metrics
}

func (s *TailSource) Start() {
	s.logger.Info("starting tail source",
		"root", s.config.LogRootPath, "workers", s.config.Workers, "queue", s.config.FileQueueSize)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
		s.metrics.workers.Add(1)
	}

	s.subServicesWg.Add(1)
	go s.scanner()

	if s.config.ReportInterval > 0 {
		s.subServicesWg.Add(1)
		go s.metricsReporter()
	}
}

func (s *TailSource) Stop() {
	s.logger.Info("stopping tail source")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info("tail source stopped")
}

func (s *TailSource) worker(id int) {
	defer s.workersWg.Done()
	defer s.metrics.workers.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", id, "panic", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.queued.Add(-1)
			s.metrics.busy.Add(1)
			s.processFile(s.ctx, filePath)
			s.metrics.busy.Add(-1)
			s.release(filePath)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *TailSource) processFile(ctx context.Context, filePath string) {
	defer s.metrics.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", "file", filePath, "panic", r)
			s.metrics.failed.Add(1)
		}
	}()

	whence := io.SeekEnd
	if s.config.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", "file", filePath, "error", err)
		s.metrics.failed.Add(1)
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()
	labels := s.extractLabels(filePath)

	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", "file", filePath, "error", line.Err)
				continue
			}
			s.metrics.lines.Add(1)
			lastActivity = time.Now()

			text := strings.TrimRight(line.Text, "\r")
			if strings.TrimSpace(text) == "" {
				continue
			}
			event := logging.Event{
				Type:   logging.EventLog,
				Record: s.newRecord(text, labels),
			}
			if err := s.handler.Post(ctx, event); err != nil {
				s.metrics.postFailures.Add(1)
				s.logger.Warn("failed to post line", "file", filePath, "error", err)
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *TailSource) newRecord(text string, labels map[string]string) logging.Record {
	attrs := make(map[string]string, len(labels))
	for k, v := range labels {
		attrs[k] = v
	}
	return logging.Record{
		Time:       s.now().UnixMilli(),
		Level:      inferLevel(text),
		Content:    text,
		ClientID:   s.config.ClientID,
		UserAgent:  s.config.UserAgent,
		Attributes: attrs,
	}
}

// inferLevel reads a leading level token such as "ERROR", "[warn]" or
// "level=debug". Lines without one are info.
func inferLevel(text string) logging.Level {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return logging.LevelInfo
	}
	token := strings.TrimPrefix(fields[0], "level=")
	token = strings.Trim(token, "[]():")
	if level, ok := logging.ParseLevel(token); ok {
		return level
	}
	return logging.LevelInfo
}

func (s *TailSource) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *TailSource) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.queued.Add(1)
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Debug("file queue full, skipping",
				"queued", len(s.fileQueue), "capacity", cap(s.fileQueue), "file", file)
		}
	}
}

// claim marks file as tailed, reporting false if a worker already owns it.
func (s *TailSource) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.discovered.Add(1)
		s.seenFiles[file] = struct{}{}
	}
	if _, busy := s.tailing[file]; busy {
		return false
	}
	s.tailing[file] = struct{}{}
	return true
}

func (s *TailSource) release(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tailing, file)
}

func (s *TailSource) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Info("tail metrics", s.metrics.Stats().LogAttrs()...)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *TailSource) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", "path", path, "error", err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels maps <root>/<namespace>_<pod>_<uid>/<container>/<file> onto
// pod labels. Paths that do not follow the layout only get node and file.
func (s *TailSource) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"file": filepath.Base(filePath),
	}
	if s.config.NodeName != "" {
		labels["node"] = s.config.NodeName
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}
