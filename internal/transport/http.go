// Package transport delivers compressed payloads to a collection endpoint.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	DefaultContentType = "application/json"
	DefaultSendTimeout = 10 * time.Second
)

var ErrNoEndpoint = errors.New("transport: no endpoint configured")

type HTTPOptions struct {
	Endpoint    string
	ContentType string
	// User and Token enable basic auth when either is set.
	User    string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPSender POSTs each payload and waits for the response. Any non-2xx
// status is a failure.
type HTTPSender struct {
	client      *fasthttp.Client
	contentType string
	auth        string
	timeout     time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	endpoint string
}

func NewHTTPSender(opts HTTPOptions) *HTTPSender {
	if opts.ContentType == "" {
		opts.ContentType = DefaultContentType
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &HTTPSender{
		client: &fasthttp.Client{
			MaxConnsPerHost:     4,
			MaxIdleConnDuration: 10 * time.Second,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
		},
		contentType: opts.ContentType,
		timeout:     opts.Timeout,
		logger:      opts.Logger.With("component", "http_sender"),
		endpoint:    opts.Endpoint,
	}
	if opts.User != "" || opts.Token != "" {
		s.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.User+":"+opts.Token))
	}
	return s
}

func (s *HTTPSender) SetEndpoint(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
}

func (s *HTTPSender) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *HTTPSender) Send(ctx context.Context, payload []byte) error {
	endpoint := s.Endpoint()
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(s.contentType)
	req.Header.Set("Content-Encoding", "gzip")
	if s.auth != "" {
		req.Header.Set("Authorization", s.auth)
	}
	req.SetBody(payload)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("endpoint returned status %d: %s", code, string(resp.Body()))
	}

	s.logger.Debug("payload delivered", "endpoint", endpoint, "bytes", len(payload))
	return nil
}
