package document

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// DocCountField is the reserved field carrying the number of source documents
// folded into a rollup document.
const DocCountField = "_doc_count"

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
	decModeOnce sync.Once
	decMode     cbor.DecMode
)

// encoder returns the shared deterministic CBOR encoder. Core-deterministic
// encoding sorts map keys, so identical field maps produce identical bytes.
func encoder() cbor.EncMode {
	encModeOnce.Do(func() {
		var err error
		encMode, err = cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			panic(fmt.Sprintf("document: failed to build cbor encoder: %v", err))
		}
	})
	return encMode
}

// Encode serializes a rollup document's fields to CBOR.
func Encode(fields map[string]any) ([]byte, error) {
	raw, err := encoder().Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return raw, nil
}

// decoder returns the shared CBOR decoder: nested objects come back as
// map[string]any and integers as int64, so document shapes are predictable.
func decoder() cbor.DecMode {
	decModeOnce.Do(func() {
		var err error
		decMode, err = cbor.DecOptions{
			DefaultMapType: reflect.TypeOf(map[string]any(nil)),
			IntDec:         cbor.IntDecConvertSigned,
		}.DecMode()
		if err != nil {
			panic(fmt.Sprintf("document: failed to build cbor decoder: %v", err))
		}
	})
	return decMode
}

// Decode deserializes a CBOR-encoded rollup document.
func Decode(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := decoder().Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return fields, nil
}

// ID derives the deterministic document id for a (series, bucket) pair.
// Replaying a shard produces the same ids, so re-emitted documents overwrite
// their previous versions in the target index instead of duplicating them.
func ID(id tsid.TSID, bucketStartMS int64) string {
	h := xxhash.New()
	_, _ = h.Write(id)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(bucketStartMS))
	_, _ = h.Write(ts[:])

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return hex.EncodeToString(sum[:])
}
