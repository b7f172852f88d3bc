// Package sequencer drains the transaction pool into batches and anchors
// them on the base chain.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/basechain"
	"github.com/rolled-bit/go-rollup/codec"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/metrics"
	"github.com/rolled-bit/go-rollup/txpool"
	"github.com/rolled-bit/go-rollup/types"
	"golang.org/x/sync/singleflight"
)

var logger = log.NewLogger("sequencer")

const defaultReanchorAfter = time.Hour

// Wallet is the part of the base-chain client that funds and signs anchors.
type Wallet interface {
	ListUnspent(ctx context.Context) ([]basechain.Unspent, error)
	WalletProcessPsbt(ctx context.Context, psbt string) (string, error)
	FinalizePsbt(ctx context.Context, psbt string) (string, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
}

// Tracker reports whether the syncer has read the frame anchored by txid.
type Tracker interface {
	Replayed(txid string) (bool, error)
}

type Config struct {
	// Address receives the fees of every anchored batch.
	Address      common.Address
	Interval     time.Duration
	MaxBatchSize int
	// ReanchorAfter is how long a broadcast batch may go unreplayed before
	// the same frame is anchored again.
	ReanchorAfter time.Duration
	Anchor        basechain.AnchorParams
}

// Anchor describes one submitted batch.
type Anchor struct {
	Txid  string `json:"txid"`
	Count int    `json:"count"`
}

// Sequencer anchors one batch at a time: the next batch is encoded only once
// the syncer has replayed the previous one, so batches land in pool order.
type Sequencer struct {
	config   Config
	maxFrame int
	db       rollupdb.DB
	pool     *txpool.TxPool
	indexer  codec.AddressIndexer
	tracker  Tracker
	wallet   Wallet
	metrics  *metrics.Metrics
	group    singleflight.Group

	baseLock sync.Mutex
	base     context.Context

	lock    sync.Mutex
	pending *pendingBatch
	// fromPool is how many transactions at the pool front belong to pending
	// and are not yet removed. A frame resumed after a restart owns none.
	fromPool int
}

// NewSequencer resumes a pending frame left by a previous run, if any.
// indexer should not assign: indices are assigned when batches are replayed.
func NewSequencer(
	config Config,
	db rollupdb.DB,
	pool *txpool.TxPool,
	indexer codec.AddressIndexer,
	tracker Tracker,
	wallet Wallet,
	m *metrics.Metrics,
) (*Sequencer, error) {
	if config.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size %d must be positive", config.MaxBatchSize)
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval %s must be positive", config.Interval)
	}
	if config.ReanchorAfter <= 0 {
		config.ReanchorAfter = defaultReanchorAfter
	}
	maxFrame, err := basechain.MaxFrameSize(config.Anchor.ChunkSize)
	if err != nil {
		return nil, err
	}
	pending, err := loadPending(db)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		logger.Info().Int("count", pending.Count).Int("size", len(pending.Frame)).Str("txid", pending.Txid).Msg("Resuming pending batch")
	}
	return &Sequencer{
		config:   config,
		maxFrame: maxFrame,
		db:       db,
		pool:     pool,
		indexer:  indexer,
		tracker:  tracker,
		wallet:   wallet,
		metrics:  m,
		base:     context.Background(),
		pending:  pending,
	}, nil
}

// MaxTxSize is the largest encoded transaction a batch can carry.
func (s *Sequencer) MaxTxSize() int {
	return s.maxFrame - common.AddressLength
}

// Run ticks until ctx is cancelled. Anchoring failures are logged and the
// same frame is retried on the next tick.
func (s *Sequencer) Run(ctx context.Context) error {
	s.baseLock.Lock()
	s.base = ctx
	s.baseLock.Unlock()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				if errors.Is(err, rollupdb.ErrStorage) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn().Err(err).Msg("Anchoring failed, retrying next tick")
			}
		}
	}
}

// Flush runs one tick. Concurrent callers share the tick in flight, which
// runs under the context of Run rather than of any caller: a caller that
// gives up returns early and the tick carries on. A nil Anchor means nothing
// was broadcast.
func (s *Sequencer) Flush(ctx context.Context) (*Anchor, error) {
	s.baseLock.Lock()
	base := s.base
	s.baseLock.Unlock()

	ch := s.group.DoChan("flush", func() (interface{}, error) {
		return s.flush(base)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Anchor), nil
	}
}

func (s *Sequencer) flush(ctx context.Context) (*Anchor, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.pending != nil && s.pending.Txid != "" {
		if ready, err := s.settle(); err != nil || !ready {
			return nil, err
		}
	}
	if s.pending == nil {
		if err := s.encodeNext(); err != nil || s.pending == nil {
			return nil, err
		}
	}

	txid, err := s.anchor(ctx, s.pending.Frame)
	if err != nil {
		if errors.Is(err, basechain.ErrRejected) || errors.Is(err, basechain.ErrFrameTooLarge) {
			return nil, s.drop(err)
		}
		s.metrics.AnchorFailures.Inc()
		return nil, fmt.Errorf("anchor batch of %d: %w", s.pending.Count, err)
	}

	s.pending.Txid, s.pending.AnchoredAt = txid, time.Now()
	if err := savePending(s.db, s.pending); err != nil {
		return nil, err
	}
	s.pool.Remove(s.fromPool)
	s.fromPool = 0
	result := &Anchor{Txid: txid, Count: s.pending.Count}

	s.metrics.AnchorsSubmitted.Inc()
	s.metrics.AnchoredTxs.Add(float64(result.Count))
	s.metrics.PoolSize.Set(float64(s.pool.Len()))
	logger.Info().Str("txid", txid).Int("count", result.Count).Int("size", len(s.pending.Frame)).Msg("Anchored batch")
	return result, nil
}

// settle checks on the broadcast batch. ready is true once the syncer has
// replayed it, or when it is overdue and its frame must be anchored again.
func (s *Sequencer) settle() (ready bool, err error) {
	replayed, err := s.tracker.Replayed(s.pending.Txid)
	if err != nil {
		return false, err
	}
	if replayed {
		if err := clearPending(s.db); err != nil {
			return false, err
		}
		logger.Info().Str("txid", s.pending.Txid).Int("count", s.pending.Count).Msg("Anchored batch replayed")
		s.metrics.AnchorsConfirmed.Inc()
		s.pending = nil
		return true, nil
	}
	if time.Since(s.pending.AnchoredAt) < s.config.ReanchorAfter {
		logger.Debug().Str("txid", s.pending.Txid).Msg("Waiting for anchored batch")
		return false, nil
	}
	// a copy mined twice is harmless: the nonces of the second are stale
	logger.Warn().Str("txid", s.pending.Txid).Time("anchoredAt", s.pending.AnchoredAt).Msg("Anchored batch not replayed, anchoring again")
	s.pending.Txid = ""
	return true, nil
}

// drop discards a frame the base chain will never accept, together with the
// transactions it holds.
func (s *Sequencer) drop(cause error) error {
	if err := clearPending(s.db); err != nil {
		return err
	}
	count := s.pending.Count
	s.pool.Remove(s.fromPool)
	s.pending, s.fromPool = nil, 0

	s.metrics.AnchorsDropped.Inc()
	s.metrics.PoolSize.Set(float64(s.pool.Len()))
	logger.Error().Err(cause).Int("count", count).Msg("Dropped batch the base chain refused")
	return fmt.Errorf("dropped batch of %d: %w", count, cause)
}

// encodeNext encodes as much of the pool front as fits in one anchor and
// persists it before anything is broadcast, so a restart resends the same
// frame.
func (s *Sequencer) encodeNext() error {
	var txs []*types.Transaction
	for {
		txs = s.pool.Peek(s.config.MaxBatchSize)
		if len(txs) == 0 {
			return nil
		}
		if size := codec.MaxEncodedSize(txs[0]); size > s.MaxTxSize() {
			logger.Warn().Int("size", size).Int("max", s.MaxTxSize()).Msg("Evicting transaction larger than a batch")
			s.pool.Remove(1)
			s.metrics.PoolRejected.WithLabelValues("too_large").Inc()
			continue
		}
		break
	}

	budget, n := s.MaxTxSize(), 0
	for _, tx := range txs {
		size := codec.MaxEncodedSize(tx)
		if size > budget {
			break
		}
		budget -= size
		n++
	}

	frame, err := codec.EncodeBatch(txs[:n], s.config.Address, s.indexer)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	pending := &pendingBatch{Frame: frame, Count: n}
	if err := savePending(s.db, pending); err != nil {
		return err
	}
	s.pending, s.fromPool = pending, n
	logger.Debug().Int("count", n).Int("size", len(frame)).Msg("Encoded batch")
	return nil
}

func (s *Sequencer) anchor(ctx context.Context, frame []byte) (string, error) {
	utxos, err := s.wallet.ListUnspent(ctx)
	if err != nil {
		return "", err
	}
	packet, err := basechain.BuildAnchorPsbt(frame, utxos, s.config.Anchor)
	if err != nil {
		return "", err
	}
	signed, err := s.wallet.WalletProcessPsbt(ctx, packet)
	if err != nil {
		return "", err
	}
	raw, err := s.wallet.FinalizePsbt(ctx, signed)
	if err != nil {
		return "", err
	}
	return s.wallet.SendRawTransaction(ctx, raw)
}

// Pending reports the size of the batch awaiting anchoring or replay, zero
// if none.
func (s *Sequencer) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending == nil {
		return 0
	}
	return s.pending.Count
}
