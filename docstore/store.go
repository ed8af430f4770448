// Package docstore is a small document store over pebble: named collections
// of CBOR-encoded documents addressed by a string id, with hash-based
// secondary indexes on declared fields and batched transactional writes.
package docstore

import (
	"context"

	"github.com/fxamacker/cbor/v2"
)

// HardOpLimit is the store's per-batch operation ceiling. Apply rejects
// anything larger; callers chunk through the Executor, whose ceiling sits
// below this limit.
const HardOpLimit = 500

type OpKind byte

const (
	OpCreate OpKind = 'C'
	OpUpdate OpKind = 'U'
	OpDelete OpKind = 'D'
)

// Op is one deferred write. Ops are plain data so a queued mutation list can
// be inspected and tested without a live transaction handle.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	// Fields for OpCreate is the full document. For OpUpdate it is merged
	// into the current document; a nil value clears that field. Ignored
	// for OpDelete.
	Fields map[string]any
}

func Create(collection, id string, fields map[string]any) Op {
	return Op{Kind: OpCreate, Collection: collection, ID: id, Fields: fields}
}

func Update(collection, id string, fields map[string]any) Op {
	return Op{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}
}

func Delete(collection, id string) Op {
	return Op{Kind: OpDelete, Collection: collection, ID: id}
}

// Doc is a stored document: its id plus the raw CBOR value.
type Doc struct {
	ID  string
	Raw []byte
}

// Decode unmarshals the document value into v.
func (d *Doc) Decode(v any) error {
	return cbor.Unmarshal(d.Raw, v)
}

// Fields decodes the document value into a generic field map.
func (d *Doc) Fields() (map[string]any, error) {
	m := map[string]any{}
	if err := cbor.Unmarshal(d.Raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type Store interface {
	// Get returns the document or keysmith_errors.ErrDocMissing.
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Query returns documents whose string field equals value. limit <= 0
	// means no limit.
	Query(ctx context.Context, collection, field, value string, limit int) ([]Doc, error)
	// Count returns the number of documents in the collection.
	Count(ctx context.Context, collection string) (int64, error)
	// Apply commits ops as one transaction. Intra-batch atomicity only.
	Apply(ctx context.Context, ops []Op) error
}
