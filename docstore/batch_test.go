package docstore

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorahub/keysmith/keysmith_errors"
	"github.com/vorahub/keysmith/utils"
)

// fakeStore records chunk sizes and can fail from a given chunk on.
type fakeStore struct {
	chunkSizes []int
	failFrom   int // fail the nth Apply (1-based), 0 = never
	err        error
}

func (f *fakeStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	return Doc{}, keysmith_errors.ErrDocMissing
}

func (f *fakeStore) Query(ctx context.Context, collection, field, value string, limit int) ([]Doc, error) {
	return nil, nil
}

func (f *fakeStore) Count(ctx context.Context, collection string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Apply(ctx context.Context, ops []Op) error {
	if f.failFrom > 0 && len(f.chunkSizes)+1 >= f.failFrom {
		return f.err
	}
	f.chunkSizes = append(f.chunkSizes, len(ops))
	return nil
}

func makeOps(n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		ops[i] = Delete("keys", "k")
	}
	return ops
}

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func TestSubmitChunking(t *testing.T) {
	store := &fakeStore{}
	exec := NewExecutor(store, testLogger(), 450)

	chunks, err := exec.Submit(context.Background(), makeOps(1000))
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, []int{450, 450, 100}, store.chunkSizes)
}

func TestSubmitEmpty(t *testing.T) {
	store := &fakeStore{}
	exec := NewExecutor(store, testLogger(), 450)

	chunks, err := exec.Submit(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, chunks)
	assert.Empty(t, store.chunkSizes)
}

func TestSubmitSingleChunk(t *testing.T) {
	store := &fakeStore{}
	exec := NewExecutor(store, testLogger(), 450)

	chunks, err := exec.Submit(context.Background(), makeOps(450))
	require.NoError(t, err)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, []int{450}, store.chunkSizes)
}

func TestSubmitPartialFailure(t *testing.T) {
	store := &fakeStore{failFrom: 3, err: errors.New("store unavailable")}
	exec := NewExecutor(store, testLogger(), 450)

	chunks, err := exec.Submit(context.Background(), makeOps(1000))
	assert.ErrorIs(t, err, keysmith_errors.ErrBatchCommitFailed)
	// the first two chunks stay committed
	assert.Equal(t, 2, chunks)
	assert.Equal(t, []int{450, 450}, store.chunkSizes)
	// the error reports the uncommitted remainder
	assert.Contains(t, err.Error(), "100 of 1000 operations uncommitted")
}

func TestSubmitBadChunkLimitFallsBack(t *testing.T) {
	store := &fakeStore{}
	exec := NewExecutor(store, testLogger(), HardOpLimit*2)

	chunks, err := exec.Submit(context.Background(), makeOps(DefaultChunkLimit+1))
	require.NoError(t, err)
	assert.Equal(t, 2, chunks)
}
