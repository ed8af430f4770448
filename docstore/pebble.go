package docstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/vorahub/keysmith/keysmith_errors"
	"github.com/vorahub/keysmith/utils"
)

const docCacheSize = 10000

type PebbleOptions struct {
	// Indexes declares, per collection, which string fields get a hash
	// index. Queries on undeclared fields fall back to a collection scan.
	Indexes map[string][]string
	Logger  utils.Logger
	Pebble  pebble.Options
}

// PebbleStore keeps documents under 'D' keys and index entries under 'I'
// keys:
//
//	D <collection> 0x00 <id>                          -> CBOR value
//	I <collection> 0x00 <field> 0x00 <hash8> <id>    -> empty
//
// The hash is xxhash of the field value, so equality queries walk a short
// index prefix and verify the decoded value to weed out collisions.
type PebbleStore struct {
	db       *pebble.DB
	log      utils.Logger
	indexes  map[string][]string
	docCache *lru.Cache[string, []byte]
	wo       *pebble.WriteOptions
}

var writeOptions = pebble.WriteOptions{Sync: true}

func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	db, err := pebble.Open(path, &opts.Pebble)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open store at %s", path)
	}
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	cache, _ := lru.New[string, []byte](docCacheSize)
	return &PebbleStore{
		db:       db,
		log:      log,
		indexes:  opts.Indexes,
		docCache: cache,
		wo:       &writeOptions,
	}, nil
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return keysmith_errors.ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func docKey(collection, id string) []byte {
	key := make([]byte, 0, 2+len(collection)+len(id))
	key = append(key, 'D')
	key = append(key, collection...)
	key = append(key, 0)
	key = append(key, id...)
	return key
}

func indexKey(collection, field string, hash uint64, id string) []byte {
	key := make([]byte, 0, 11+len(collection)+len(field)+len(id))
	key = append(key, 'I')
	key = append(key, collection...)
	key = append(key, 0)
	key = append(key, field...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, hash)
	key = append(key, id...)
	return key
}

// indexKeyId recovers the document id from an index key.
func indexKeyId(key []byte, collection, field string) string {
	return string(key[1+len(collection)+1+len(field)+1+8:])
}

// prefixUpperBound returns the smallest key sorting after every key with the
// given prefix, nil (no bound) if the prefix is all 0xFF. The increment must
// carry: index prefixes end in a hash byte that can be 0xFF, and a wrapped
// last byte would put the upper bound below the lower one.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func cacheKey(collection, id string) string {
	return collection + "\x00" + id
}

func (s *PebbleStore) indexedFields(collection string) []string {
	return s.indexes[collection]
}

func stringField(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s *PebbleStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	if s.db == nil {
		return Doc{}, keysmith_errors.ErrClosed
	}
	ck := cacheKey(collection, id)
	if raw, ok := s.docCache.Get(ck); ok {
		return Doc{ID: id, Raw: raw}, nil
	}
	val, closer, err := s.db.Get(docKey(collection, id))
	if err == pebble.ErrNotFound {
		return Doc{}, keysmith_errors.ErrDocMissing
	}
	if err != nil {
		return Doc{}, pkgerrors.Wrapf(err, "get %s/%s", collection, id)
	}
	raw := bytes.Clone(val)
	_ = closer.Close()
	s.docCache.Add(ck, raw)
	return Doc{ID: id, Raw: raw}, nil
}

func (s *PebbleStore) Query(ctx context.Context, collection, field, value string, limit int) ([]Doc, error) {
	if s.db == nil {
		return nil, keysmith_errors.ErrClosed
	}
	for _, f := range s.indexedFields(collection) {
		if f == field {
			return s.queryIndexed(ctx, collection, field, value, limit)
		}
	}
	return s.queryScan(ctx, collection, field, value, limit)
}

func (s *PebbleStore) queryIndexed(ctx context.Context, collection, field, value string, limit int) (docs []Doc, err error) {
	hash := xxhash.Sum64String(value)
	prefix := indexKey(collection, field, hash, "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "index query %s.%s", collection, field)
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		id := indexKeyId(it.Key(), collection, field)
		doc, err := s.Get(ctx, collection, id)
		if err == keysmith_errors.ErrDocMissing {
			// index entry pointing nowhere, reconciliation territory
			s.log.WarnCtx(ctx, "dangling index entry", "collection", collection, "field", field, "id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		fields, err := doc.Fields()
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "decode %s/%s", collection, id)
		}
		// same hash is not the same value
		if got, ok := stringField(fields, field); !ok || got != value {
			continue
		}
		docs = append(docs, doc)
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, it.Error()
}

func (s *PebbleStore) queryScan(ctx context.Context, collection, field, value string, limit int) (docs []Doc, err error) {
	prefix := docKey(collection, "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "scan query %s.%s", collection, field)
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		fields := map[string]any{}
		if err := cbor.Unmarshal(it.Value(), &fields); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode %s/%s", collection, string(it.Key()[len(prefix):]))
		}
		if got, ok := stringField(fields, field); !ok || got != value {
			continue
		}
		docs = append(docs, Doc{
			ID:  string(it.Key()[len(prefix):]),
			Raw: bytes.Clone(it.Value()),
		})
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, it.Error()
}

func (s *PebbleStore) Count(ctx context.Context, collection string) (int64, error) {
	if s.db == nil {
		return 0, keysmith_errors.ErrClosed
	}
	prefix := docKey(collection, "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "count %s", collection)
	}
	defer it.Close()
	var n int64
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *PebbleStore) Apply(ctx context.Context, ops []Op) error {
	if s.db == nil {
		return keysmith_errors.ErrClosed
	}
	if len(ops) > HardOpLimit {
		return fmt.Errorf("%w: %d > %d", keysmith_errors.ErrBatchTooLarge, len(ops), HardOpLimit)
	}
	// indexed batch: ops later in the batch must observe earlier ones
	b := s.db.NewIndexedBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpCreate:
			err = s.applyCreate(b, op)
		case OpUpdate:
			err = s.applyUpdate(b, op)
		case OpDelete:
			err = s.applyDelete(b, op)
		default:
			err = fmt.Errorf("unknown op kind %c", op.Kind)
		}
		if err != nil {
			return err
		}
		s.docCache.Remove(cacheKey(op.Collection, op.ID))
	}
	if err := b.Commit(s.wo); err != nil {
		return pkgerrors.Wrap(err, "batch commit")
	}
	return nil
}

func (s *PebbleStore) batchGet(b *pebble.Batch, collection, id string) (map[string]any, bool, error) {
	val, closer, err := b.Get(docKey(collection, id))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "batch get %s/%s", collection, id)
	}
	fields := map[string]any{}
	err = cbor.Unmarshal(val, &fields)
	_ = closer.Close()
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "decode %s/%s", collection, id)
	}
	return fields, true, nil
}

func (s *PebbleStore) applyCreate(b *pebble.Batch, op Op) error {
	_, exists, err := s.batchGet(b, op.Collection, op.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s", keysmith_errors.ErrDocExists, op.Collection, op.ID)
	}
	return s.writeDoc(b, op.Collection, op.ID, op.Fields, nil)
}

func (s *PebbleStore) applyUpdate(b *pebble.Batch, op Op) error {
	old, _, err := s.batchGet(b, op.Collection, op.ID)
	if err != nil {
		return err
	}
	// upsert-merge: a self-heal update must never fail on a missing doc
	merged := map[string]any{}
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range op.Fields {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	return s.writeDoc(b, op.Collection, op.ID, merged, old)
}

func (s *PebbleStore) applyDelete(b *pebble.Batch, op Op) error {
	old, exists, err := s.batchGet(b, op.Collection, op.ID)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	s.dropIndexEntries(b, op.Collection, op.ID, old)
	return b.Delete(docKey(op.Collection, op.ID), nil)
}

func (s *PebbleStore) writeDoc(b *pebble.Batch, collection, id string, fields, old map[string]any) error {
	raw, err := cbor.Marshal(fields)
	if err != nil {
		return pkgerrors.Wrapf(err, "encode %s/%s", collection, id)
	}
	if old != nil {
		s.dropIndexEntries(b, collection, id, old)
	}
	for _, f := range s.indexedFields(collection) {
		val, ok := stringField(fields, f)
		if !ok || val == "" {
			continue
		}
		if err := b.Set(indexKey(collection, f, xxhash.Sum64String(val), id), nil, nil); err != nil {
			return err
		}
	}
	return b.Set(docKey(collection, id), raw, nil)
}

func (s *PebbleStore) dropIndexEntries(b *pebble.Batch, collection, id string, fields map[string]any) {
	for _, f := range s.indexedFields(collection) {
		val, ok := stringField(fields, f)
		if !ok || val == "" {
			continue
		}
		_ = b.Delete(indexKey(collection, f, xxhash.Sum64String(val), id), nil)
	}
}
