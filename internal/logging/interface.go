package logging

import (
	"context"
	"strings"
	"time"
)

type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a case-insensitive level name onto a Level. Unknown names
// report false.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelTrace:
		return LevelTrace, true
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn, "warning":
		return LevelWarn, true
	case LevelError, "err", "fatal":
		return LevelError, true
	}
	return "", false
}

type Size struct {
	Width  int `cbor:"1,keyasint,omitempty" json:"width"`
	Height int `cbor:"2,keyasint,omitempty" json:"height"`
}

func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// Record is one log event. Time is milliseconds since the Unix epoch.
// UserAgent, IP and Region are overwritten by enrichment before the record
// is persisted. Attributes is always encoded so that nil and empty maps
// decode back unchanged.
type Record struct {
	Time       int64             `cbor:"1,keyasint,omitempty" json:"time"`
	Level      Level             `cbor:"2,keyasint,omitempty" json:"level"`
	Content    string            `cbor:"3,keyasint,omitempty" json:"content"`
	ClientID   string            `cbor:"4,keyasint,omitempty" json:"clientId,omitempty"`
	UserAgent  string            `cbor:"5,keyasint,omitempty" json:"userAgent,omitempty"`
	ScreenSize Size              `cbor:"6,keyasint,omitempty" json:"screen"`
	WindowSize Size              `cbor:"7,keyasint,omitempty" json:"window"`
	URL        string            `cbor:"8,keyasint,omitempty" json:"url,omitempty"`
	IP         string            `cbor:"9,keyasint,omitempty" json:"ip,omitempty"`
	Region     string            `cbor:"10,keyasint,omitempty" json:"region,omitempty"`
	Referrer   string            `cbor:"11,keyasint,omitempty" json:"referrer,omitempty"`
	Attributes map[string]string `cbor:"12,keyasint" json:"attributes,omitempty"`
}

type EventType string

const (
	EventLog          EventType = "log"
	EventPageLoad     EventType = "page-load"
	EventPageVisible  EventType = "page-visible"
	EventPageHidden   EventType = "page-hidden"
	EventPageUnload   EventType = "page-unload"
	EventConfigUpdate EventType = "config-update"
)

// Event is the unit accepted by the flush controller. Record is used by
// EventLog, Endpoint by EventConfigUpdate.
type Event struct {
	Type     EventType
	Record   Record
	Endpoint string
}

// Encoder turns a batch of enriched records into a backend payload. A nil or
// empty payload with a nil error means no record survived and nothing should
// be sent.
type Encoder interface {
	Encode(records []Record, batchContext string) ([]byte, error)
	// RequiresBatchContext reports whether Encode expects a batch context.
	RequiresBatchContext() bool
}

// Sender transmits an already compressed payload.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// EndpointSetter is implemented by senders whose endpoint can be replaced at
// runtime by a config-update event.
type EndpointSetter interface {
	SetEndpoint(endpoint string)
}

// EventHandler accepts events for processing.
type EventHandler interface {
	// Post enqueues an event without waiting for it to be processed.
	Post(ctx context.Context, event Event) error
}

type Config struct {
	// FlushSize is the cumulative encoded size in bytes that triggers a flush.
	FlushSize int
	// FlushInterval is the maximum age of the oldest buffered record.
	FlushInterval time.Duration
	// DedupWindow is the span within which identical content is dropped.
	DedupWindow time.Duration
	// PollInterval controls how often the age condition is checked while idle.
	PollInterval time.Duration
	// QueueSize bounds the number of pending operations.
	QueueSize int
}

const (
	DefaultFlushSize     = 2 * 1024 * 1024
	DefaultFlushInterval = 5 * time.Minute
	DefaultDedupWindow   = 2 * time.Second
	DefaultPollInterval  = 10 * time.Second
	DefaultQueueSize     = 256
)

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.FlushSize <= 0 {
		c.FlushSize = DefaultFlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Clock returns the current time. Components take one so tests can drive time.
type Clock func() time.Time

// SameDay reports whether two millisecond timestamps fall on the same local
// calendar day.
func SameDay(a, b int64) bool {
	ta := time.UnixMilli(a)
	tb := time.UnixMilli(b)
	ya, ma, da := ta.Date()
	yb, mb, db := tb.Date()
	return ya == yb && ma == mb && da == db
}
