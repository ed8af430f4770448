package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vorahub/keysmith/keysmith_errors"
	"github.com/vorahub/keysmith/utils"
)

var BatchOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "batch",
	Name:      "operations",
}, []string{"result"})

var BatchChunks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "batch",
	Name:      "chunks",
})

// DefaultChunkLimit sits below the store's HardOpLimit so a chunk never
// trips the per-transaction ceiling even if a few ops get added late.
const DefaultChunkLimit = 450

// Executor commits an ordered op list in size-bounded chunks. Only
// intra-chunk atomicity is guaranteed: chunks committed before a failure
// stay committed.
type Executor struct {
	store      Store
	log        utils.Logger
	chunkLimit int
}

func NewExecutor(store Store, log utils.Logger, chunkLimit int) *Executor {
	if chunkLimit <= 0 || chunkLimit > HardOpLimit {
		chunkLimit = DefaultChunkLimit
	}
	return &Executor{store: store, log: log, chunkLimit: chunkLimit}
}

// Submit applies ops in chunks of at most the configured ceiling and
// returns the number of chunks committed. An empty list is a no-op with
// zero chunks. On a chunk failure the error wraps ErrBatchCommitFailed and
// carries the uncommitted operation count.
func (e *Executor) Submit(ctx context.Context, ops []Op) (chunks int, err error) {
	if len(ops) == 0 {
		return 0, nil
	}
	for start := 0; start < len(ops); start += e.chunkLimit {
		end := start + e.chunkLimit
		if end > len(ops) {
			end = len(ops)
		}
		if err := e.store.Apply(ctx, ops[start:end]); err != nil {
			uncommitted := len(ops) - start
			BatchOps.WithLabelValues("failed").Add(float64(uncommitted))
			return chunks, errors.Join(
				keysmith_errors.ErrBatchCommitFailed,
				fmt.Errorf("%d of %d operations uncommitted: %w", uncommitted, len(ops), err),
			)
		}
		chunks++
		BatchChunks.Inc()
		BatchOps.WithLabelValues("committed").Add(float64(end - start))
	}
	e.log.DebugCtx(ctx, "batch committed", "ops", len(ops), "chunks", chunks)
	return chunks, nil
}
