package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fxamacker/cbor/v2"
	"github.com/nicktill/tinyroll/pkg/storage"
	"github.com/nicktill/tinyroll/pkg/tsid"
)

// Key space:
//
//	'd' + escape(tsid) + ^timestamp(8) + seq(8)  -> document value (CBOR)
//	'm'                                          -> shard metadata (CBOR)
//
// escape() is order-preserving and prefix-free, and the timestamp is stored
// sign-flipped and complemented (order-correct even for pre-epoch instants),
// so a forward key scan yields documents sorted by tsid ascending and
// timestamp descending within a tsid -- exactly the stream order the
// downsample engine requires.
const (
	docPrefix  = 'd'
	metaKeyTag = 'm'
)

// Config holds BadgerDB configuration for shards and indexes.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

func open(cfg Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits; BadgerDB's defaults assume server hardware
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

type shardMeta struct {
	StartMS int64 `cbor:"s"`
	EndMS   int64 `cbor:"e"`
	Docs    int   `cbor:"n"`
	Seq     int64 `cbor:"q"`
}

type docValue struct {
	Fields   map[string][]any `cbor:"f"`
	DocCount int              `cbor:"c,omitempty"`
}

// Shard is a BadgerDB-backed source shard.
type Shard struct {
	db   *badger.DB
	meta shardMeta
}

// OpenShard opens (or creates) a source shard. startMS/endMS set the series
// time bounds when the shard is created; an existing shard keeps its own.
func OpenShard(cfg Config, startMS, endMS int64) (*Shard, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	s := &Shard{db: db, meta: shardMeta{StartMS: startMS, EndMS: endMS}}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte{metaKeyTag})
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &s.meta)
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read shard metadata: %w", err)
	}
	return s, nil
}

// Doc is one source document to append to a shard.
type Doc struct {
	TSID        tsid.TSID
	TimestampMS int64
	Fields      map[string][]any
	DocCount    int // 0 means absent (counts as 1)
}

// Append writes raw documents. This is how shards are built; a downsample run
// only reads.
func (s *Shard) Append(ctx context.Context, docs []Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	meta := s.meta
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, doc := range docs {
			meta.Seq++
			key := docKey(doc.TSID, doc.TimestampMS, meta.Seq)

			value, err := cbor.Marshal(docValue{Fields: doc.Fields, DocCount: doc.DocCount})
			if err != nil {
				return fmt.Errorf("failed to encode document: %w", err)
			}
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("failed to write document: %w", err)
			}
			meta.Docs++
		}
		return writeMeta(txn, meta)
	})
	if err != nil {
		return err
	}
	s.meta = meta
	return nil
}

func writeMeta(txn *badger.Txn, meta shardMeta) error {
	raw, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode shard metadata: %w", err)
	}
	return txn.Set([]byte{metaKeyTag}, raw)
}

// Iterate walks the shard in stream order. A badger shard is a single
// segment: one forward scan over the LSM covers everything.
func (s *Shard) Iterate(ctx context.Context, resume tsid.TSID, v storage.DocVisitor, checkCancel func() error) error {
	if checkCancel == nil {
		checkCancel = func() error { return nil }
	}
	if err := checkCancel(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 128
		opts.Prefix = []byte{docPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		seg := &shardSegment{}
		if err := v.BeginSegment(seg, 0); err != nil {
			return err
		}

		seekKey := []byte{docPrefix}
		if resume != nil {
			seekKey = append(seekKey, escape(resume)...)
		}

		docID := -1
		sinceCheck := 0
		lastOrd := -1
		var lastTSID tsid.TSID

		for it.Seek(seekKey); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			id, ts, err := parseDocKey(item.Key())
			if err != nil {
				return err
			}

			var value docValue
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &value)
			}); err != nil {
				return fmt.Errorf("failed to decode document: %w", err)
			}

			docID++
			if lastTSID == nil || !tsid.Equal(lastTSID, id) {
				lastOrd++
				lastTSID = id.Clone()
			}

			seg.current = docID
			seg.fields = value.Fields
			seg.docCount = value.DocCount

			err = v.Collect(storage.Doc{
				TSID:        id,
				TSIDOrd:     lastOrd,
				TimestampMS: ts,
				DocID:       docID,
				Segment:     0,
			})
			if err != nil {
				return err
			}

			sinceCheck++
			if sinceCheck >= storage.CancelCheckEvery {
				if err := checkCancel(); err != nil {
					return err
				}
				sinceCheck = 0
			}
		}
		return nil
	})
}

// TimeBounds returns the shard's series time range.
func (s *Shard) TimeBounds() (int64, int64) {
	return s.meta.StartMS, s.meta.EndMS
}

// TotalDocs returns the number of documents in the shard.
func (s *Shard) TotalDocs() int {
	return s.meta.Docs
}

// Close shuts down the shard's BadgerDB cleanly.
func (s *Shard) Close() error {
	return s.db.Close()
}

// shardSegment serves doc-values for the document currently under the scan
// cursor. The engine only ever asks for the current document, so no random
// access into the LSM is needed.
type shardSegment struct {
	current  int
	fields   map[string][]any
	docCount int
}

func (seg *shardSegment) FieldValues(field string) (storage.FieldValues, error) {
	return &shardFieldValues{seg: seg, field: field}, nil
}

func (seg *shardSegment) DocCount(docID int) (int, error) {
	if docID != seg.current {
		return 0, fmt.Errorf("doc id %d is not under the scan cursor (%d)", docID, seg.current)
	}
	if seg.docCount > 0 {
		return seg.docCount, nil
	}
	return 1, nil
}

type shardFieldValues struct {
	seg   *shardSegment
	field string
}

func (f *shardFieldValues) Values(docID int) ([]any, bool, error) {
	if docID != f.seg.current {
		return nil, false, fmt.Errorf("doc id %d is not under the scan cursor (%d)", docID, f.seg.current)
	}
	values, ok := f.seg.fields[f.field]
	if !ok || len(values) == 0 {
		return nil, false, nil
	}
	return values, true, nil
}

// Index is a BadgerDB-backed target index. Documents are keyed by their
// deterministic id, so replays overwrite instead of duplicating.
type Index struct {
	db *badger.DB
}

// OpenIndex opens (or creates) a target index.
func OpenIndex(cfg Config) (*Index, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// Bulk upserts a batch of rollup documents.
func (ix *Index) Bulk(ctx context.Context, items []storage.BulkItem) (storage.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.BulkResult{}, err
	}

	start := time.Now()

	// WriteBatch splits oversized transactions internally, which matters at
	// the sink's 10k-action batches.
	wb := ix.db.NewWriteBatch()
	defer wb.Cancel()

	for _, item := range items {
		if err := wb.Set([]byte(item.ID), item.Document); err != nil {
			return storage.BulkResult{}, fmt.Errorf("failed to stage document %s: %w", item.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storage.BulkResult{}, fmt.Errorf("failed to flush batch: %w", err)
	}

	result := storage.BulkResult{
		TookMillis: time.Since(start).Milliseconds(),
		Items:      make([]storage.BulkItemResult, 0, len(items)),
	}
	for _, item := range items {
		result.Items = append(result.Items, storage.BulkItemResult{ID: item.ID})
	}
	return result, nil
}

// Get reads one document by id. Used by tooling and tests.
func (ix *Index) Get(id string) ([]byte, error) {
	var out []byte
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return out, nil
}

// Count returns the number of documents in the index.
func (ix *Index) Count() (int, error) {
	n := 0
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RunGC runs BadgerDB's value log garbage collection.
func (ix *Index) RunGC(discardRatio float64) error {
	return ix.db.RunValueLogGC(discardRatio)
}

// Close shuts down the index's BadgerDB cleanly.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// docKey builds the sortable document key.
func docKey(id tsid.TSID, timestampMS int64, seq int64) []byte {
	key := make([]byte, 0, 1+len(id)*2+2+16)
	key = append(key, docPrefix)
	key = append(key, escape(id)...)
	key = binary.BigEndian.AppendUint64(key, encodeDescendingTS(timestampMS))
	key = binary.BigEndian.AppendUint64(key, uint64(seq))
	return key
}

// encodeDescendingTS maps an int64 timestamp onto uint64 such that a larger
// timestamp yields a smaller key. Flipping the sign bit first keeps the
// mapping order-correct for pre-epoch (negative) timestamps too.
func encodeDescendingTS(ms int64) uint64 {
	return ^(uint64(ms) ^ (1 << 63))
}

func decodeDescendingTS(v uint64) int64 {
	return int64(^v ^ (1 << 63))
}

// parseDocKey recovers the tsid and timestamp from a document key.
func parseDocKey(key []byte) (tsid.TSID, int64, error) {
	if len(key) < 1+2+16 || key[0] != docPrefix {
		return nil, 0, fmt.Errorf("malformed document key %x", key)
	}
	id, rest, err := unescape(key[1:])
	if err != nil {
		return nil, 0, fmt.Errorf("malformed document key %x: %w", key, err)
	}
	if len(rest) != 16 {
		return nil, 0, fmt.Errorf("malformed document key %x: %d trailing bytes", key, len(rest))
	}
	ts := decodeDescendingTS(binary.BigEndian.Uint64(rest[:8]))
	return id, ts, nil
}

// escape makes raw bytes prefix-free while preserving lexicographic order:
// 0x00 becomes 0x00 0xFF, and 0x00 0x01 terminates the sequence.
func escape(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+2)
	for _, b := range raw {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	return append(out, 0x00, 0x01)
}

func unescape(in []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != 0x00 {
			out = append(out, in[i])
			continue
		}
		if i+1 >= len(in) {
			return nil, nil, fmt.Errorf("truncated escape sequence")
		}
		switch in[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i++
		case 0x01:
			return out, in[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("invalid escape byte 0x%02x", in[i+1])
		}
	}
	return nil, nil, fmt.Errorf("unterminated escape sequence")
}
