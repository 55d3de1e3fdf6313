// Package sls encodes record batches as Simple Log Service LogGroup protobuf
// messages.
package sls

import (
	"encoding/json"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

// PackIDTag is the log tag that carries the batch context.
const PackIDTag = "__pack_id__"

// LogGroup field numbers.
const (
	fieldLogs    protowire.Number = 1
	fieldTopic   protowire.Number = 3
	fieldSource  protowire.Number = 4
	fieldLogTags protowire.Number = 6
)

// Log and pair field numbers.
const (
	fieldLogTime     protowire.Number = 1
	fieldLogContents protowire.Number = 2
	fieldKey         protowire.Number = 1
	fieldValue       protowire.Number = 2
)

type Content struct {
	Key   string
	Value string
}

type Encoder struct {
	topic  string
	source string
}

func NewEncoder(topic, source string) *Encoder {
	return &Encoder{topic: topic, source: source}
}

func (e *Encoder) RequiresBatchContext() bool {
	return true
}

// Encode returns nil when no record has both a time and at least one
// non-empty content.
func (e *Encoder) Encode(records []logging.Record, batchContext string) ([]byte, error) {
	var logs [][]byte
	for _, r := range records {
		seconds := r.Time / 1000
		if seconds <= 0 {
			continue
		}
		contents := Contents(r)
		if len(contents) == 0 {
			continue
		}
		logs = append(logs, appendLog(nil, uint32(seconds), contents))
	}
	if len(logs) == 0 {
		return nil, nil
	}

	var b []byte
	for _, l := range logs {
		b = protowire.AppendTag(b, fieldLogs, protowire.BytesType)
		b = protowire.AppendBytes(b, l)
	}
	if e.topic != "" {
		b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
		b = protowire.AppendString(b, e.topic)
	}
	if e.source != "" {
		b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
		b = protowire.AppendString(b, e.source)
	}
	if batchContext != "" {
		b = protowire.AppendTag(b, fieldLogTags, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPair(nil, PackIDTag, batchContext))
	}
	return b, nil
}

func appendLog(b []byte, seconds uint32, contents []Content) []byte {
	b = protowire.AppendTag(b, fieldLogTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seconds))
	for _, c := range contents {
		b = protowire.AppendTag(b, fieldLogContents, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPair(nil, c.Key, c.Value))
	}
	return b
}

func appendPair(b []byte, key, value string) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendString(b, value)
	return b
}

// Contents flattens r into key/value pairs. Attributes are lifted to the top
// level in key order; blank values are dropped.
func Contents(r logging.Record) []Content {
	var out []Content
	add := func(key, value string) {
		if key == "" || strings.TrimSpace(value) == "" {
			return
		}
		out = append(out, Content{Key: key, Value: value})
	}

	add("level", string(r.Level))
	add("content", r.Content)
	add("clientId", r.ClientID)
	add("userAgent", r.UserAgent)
	add("screen", sizeValue(r.ScreenSize))
	add("window", sizeValue(r.WindowSize))
	add("url", r.URL)
	add("ip", r.IP)
	add("region", r.Region)
	add("referrer", r.Referrer)

	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, r.Attributes[k])
	}
	return out
}

func sizeValue(s logging.Size) string {
	if s.IsZero() {
		return ""
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}
