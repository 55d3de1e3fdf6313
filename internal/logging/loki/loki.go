// Package loki encodes record batches as Loki push API payloads.
package loki

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

// PushPath is appended to the Loki base URL by the HTTP sender.
const PushPath = "/loki/api/v1/push"

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

// Encoder groups records into streams labelled by host and level. Each value
// is the record itself serialized as a JSON line.
type Encoder struct {
	host   string
	labels map[string]string
}

// NewEncoder returns an encoder whose streams carry host plus any static
// labels.
func NewEncoder(host string, labels map[string]string) *Encoder {
	return &Encoder{host: host, labels: labels}
}

func (e *Encoder) RequiresBatchContext() bool {
	return false
}

// Encode ignores batchContext. It returns nil when no record produced a value.
func (e *Encoder) Encode(records []logging.Record, batchContext string) ([]byte, error) {
	payload, err := e.createPayload(records)
	if err != nil {
		return nil, err
	}
	if len(payload.Streams) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}

func (e *Encoder) createPayload(records []logging.Record) (Payload, error) {
	// order keeps stream output stable across runs.
	var order []string
	streams := make(map[string]*Stream)

	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return Payload{}, fmt.Errorf("failed to marshal record: %w", err)
		}
		if record.Time <= 0 || strings.TrimSpace(string(line)) == "" {
			continue
		}

		streamKey := e.getStreamKey(record)
		stream, exists := streams[streamKey]
		if !exists {
			stream = &Stream{
				Stream: e.createLabels(record),
				Values: [][2]string{},
			}
			streams[streamKey] = stream
			order = append(order, streamKey)
		}

		timestamp := strconv.FormatInt(record.Time*1_000_000, 10)
		stream.Values = append(stream.Values, [2]string{timestamp, string(line)})
	}

	payload := Payload{
		Streams: make([]Stream, 0, len(order)),
	}
	for _, key := range order {
		payload.Streams = append(payload.Streams, *streams[key])
	}
	return payload, nil
}

func (e *Encoder) getStreamKey(record logging.Record) string {
	return levelLabel(record.Level)
}

func (e *Encoder) createLabels(record logging.Record) map[string]string {
	labels := map[string]string{
		"level": levelLabel(record.Level),
	}
	if e.host != "" {
		labels["host"] = e.host
	}
	for k, v := range e.labels {
		labels[k] = v
	}
	return labels
}

func levelLabel(level logging.Level) string {
	if level == "" {
		return string(logging.LevelInfo)
	}
	return string(level)
}
