package testutils

import (
	"context"
	"sync/atomic"

	"github.com/vorahub/keysmith/docstore"
)

type errBox struct{ err error }

// CountingStore wraps a Store, counting round-trips and optionally
// injecting failures, for reconciliation and batch failure-path tests.
type CountingStore struct {
	Inner docstore.Store

	Gets    atomic.Int64
	Queries atomic.Int64
	Counts  atomic.Int64
	Applies atomic.Int64

	queryErr atomic.Value // errBox
	applyErr atomic.Value // errBox
}

func NewCountingStore(inner docstore.Store) *CountingStore {
	return &CountingStore{Inner: inner}
}

// FailQueries makes Query return err until cleared with a nil err.
func (s *CountingStore) FailQueries(err error) {
	s.queryErr.Store(errBox{err})
}

// FailApplies makes Apply return err until cleared with a nil err.
func (s *CountingStore) FailApplies(err error) {
	s.applyErr.Store(errBox{err})
}

func (s *CountingStore) RoundTrips() int64 {
	return s.Gets.Load() + s.Queries.Load() + s.Counts.Load() + s.Applies.Load()
}

func loadErr(v *atomic.Value) error {
	if box, ok := v.Load().(errBox); ok {
		return box.err
	}
	return nil
}

func (s *CountingStore) Get(ctx context.Context, collection, id string) (docstore.Doc, error) {
	s.Gets.Add(1)
	return s.Inner.Get(ctx, collection, id)
}

func (s *CountingStore) Query(ctx context.Context, collection, field, value string, limit int) ([]docstore.Doc, error) {
	s.Queries.Add(1)
	if err := loadErr(&s.queryErr); err != nil {
		return nil, err
	}
	return s.Inner.Query(ctx, collection, field, value, limit)
}

func (s *CountingStore) Count(ctx context.Context, collection string) (int64, error) {
	s.Counts.Add(1)
	return s.Inner.Count(ctx, collection)
}

func (s *CountingStore) Apply(ctx context.Context, ops []docstore.Op) error {
	s.Applies.Add(1)
	if err := loadErr(&s.applyErr); err != nil {
		return err
	}
	return s.Inner.Apply(ctx, ops)
}
