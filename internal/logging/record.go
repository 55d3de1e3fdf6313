package logging

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Records are persisted with core deterministic CBOR so the same record
// always produces the same bytes, and therefore the same size accounting.
var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error

	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("logging: CBOR encoder initialization failed: " + err.Error())
	}

	recordDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("logging: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeRecord returns the durable binary form of r.
func EncodeRecord(r Record) ([]byte, error) {
	data, err := recordEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses bytes produced by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := recordDecMode.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

// Digest returns the hex BLAKE3-256 hash of content.
func Digest(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
