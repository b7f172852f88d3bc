// Package syncer replays anchored batches from the base chain into the
// ledger, one block at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/basechain"
	"github.com/rolled-bit/go-rollup/codec"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/ledger"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/metrics"
	"github.com/rolled-bit/go-rollup/statemachine"
	"github.com/rolled-bit/go-rollup/types"
)

var logger = log.NewLogger("syncer")

// Malformed batch policies.
const (
	PolicySkip = "skip"
	PolicyHalt = "halt"
)

var (
	ErrNotInitialized   = errors.New("sync state not initialized")
	ErrRetriesExhausted = errors.New("sync retries exhausted")
)

// BlockSource is the part of the base-chain client the syncer reads.
type BlockSource interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
	GetBlock(ctx context.Context, hash string) (*basechain.Block, error)
}

// Indexer is the address index shared with the sequencer.
type Indexer interface {
	codec.AddressIndexer
	CurrentIndex() uint64
}

type Config struct {
	StartHeight          uint64
	PollInterval         time.Duration
	MaxRetries           uint64
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MalformedBatchPolicy string
}

// Syncer owns the ledger: it is the only goroutine that mutates it.
type Syncer struct {
	config    Config
	db        rollupdb.DB
	source    BlockSource
	extractor *basechain.FrameExtractor
	indexer   Indexer
	ledger    *ledger.Ledger
	sm        *statemachine.StateMachine
	metrics   *metrics.Metrics

	lock        sync.RWMutex
	state       types.SyncState
	initialized bool
}

func NewSyncer(
	config Config,
	db rollupdb.DB,
	source BlockSource,
	extractor *basechain.FrameExtractor,
	indexer Indexer,
	l *ledger.Ledger,
	sm *statemachine.StateMachine,
	m *metrics.Metrics,
) (*Syncer, error) {
	switch config.MalformedBatchPolicy {
	case "":
		config.MalformedBatchPolicy = PolicySkip
	case PolicySkip, PolicyHalt:
	default:
		return nil, fmt.Errorf("unknown malformed batch policy %q", config.MalformedBatchPolicy)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &Syncer{
		config:    config,
		db:        db,
		source:    source,
		extractor: extractor,
		indexer:   indexer,
		ledger:    l,
		sm:        sm,
		metrics:   m,
	}, nil
}

// Bootstrap loads the cursor, or on a fresh store mints the genesis funds and
// writes the first cursor in the same storage transaction.
func (s *Syncer) Bootstrap(mintAddress common.Address, mintAmount *big.Int) error {
	state, ok, err := LoadSyncState(s.db)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info().Uint64("startHeight", s.config.StartHeight).Msg("No sync state, running genesis")
		if err := s.sm.Genesis(mintAddress, mintAmount, s.indexer); err != nil {
			s.ledger.Discard()
			return fmt.Errorf("genesis: %w", err)
		}
		state = &types.SyncState{Counter: s.config.StartHeight, CurrentIndex: s.indexer.CurrentIndex()}
		if err := s.commit(*state, nil); err != nil {
			return err
		}
	} else {
		logger.Info().Uint64("counter", state.Counter).Uint64("currentIndex", state.CurrentIndex).Msg("Resuming sync")
	}

	s.lock.Lock()
	s.state = *state
	s.initialized = true
	s.lock.Unlock()
	s.metrics.SyncHeight.Set(float64(state.Counter))
	return nil
}

// Status returns the persisted cursor and the state root it committed.
func (s *Syncer) Status() (types.SyncState, []byte) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state, s.ledger.StateRoot()
}

// Run processes heights until ctx is cancelled or a fatal error occurs.
func (s *Syncer) Run(ctx context.Context) error {
	s.lock.RLock()
	initialized := s.initialized
	s.lock.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		height := s.counter()
		err := s.processWithRetry(ctx, height)
		switch {
		case err == nil:
		case errors.Is(err, basechain.ErrBlockNotFound):
			logger.Debug().Uint64("height", height).Msg("Caught up with base chain")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.config.PollInterval):
			}
		case ctx.Err() != nil:
			return nil
		default:
			logger.Error().Err(err).Uint64("height", height).Msg("Sync halted")
			return err
		}
	}
}

func (s *Syncer) counter() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state.Counter
}

func (s *Syncer) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.config.InitialBackoff > 0 {
		b.InitialInterval = s.config.InitialBackoff
	}
	if s.config.MaxBackoff > 0 {
		b.MaxInterval = s.config.MaxBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.config.MaxRetries), ctx)
}

// processWithRetry retries the same height with exponential backoff. Caught
// up, storage and halt errors end the retry at once.
func (s *Syncer) processWithRetry(ctx context.Context, height uint64) error {
	attempts := uint64(0)
	op := func() error {
		attempts++
		err := s.ProcessHeight(ctx, height)
		if err == nil {
			return nil
		}
		if errors.Is(err, basechain.ErrBlockNotFound) ||
			errors.Is(err, rollupdb.ErrStorage) ||
			errors.Is(err, codec.ErrMalformedBatch) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.SyncRetries.Inc()
		logger.Warn().Err(err).Uint64("height", height).Dur("wait", wait).Msg("Retrying height")
	}
	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if err == nil || errors.Is(err, basechain.ErrBlockNotFound) || errors.Is(err, rollupdb.ErrStorage) ||
		errors.Is(err, codec.ErrMalformedBatch) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: height %d after %d attempts: %w", ErrRetriesExhausted, height, attempts, err)
}

// ProcessHeight applies every frame anchored in the block at height and
// persists the ledger with the advanced cursor. On error nothing is persisted
// and the ledger is rolled back to the previous block.
func (s *Syncer) ProcessHeight(ctx context.Context, height uint64) error {
	if err := s.processHeight(ctx, height); err != nil {
		s.ledger.Discard()
		return err
	}
	return nil
}

func (s *Syncer) processHeight(ctx context.Context, height uint64) error {
	hash, err := s.source.GetBlockHash(ctx, height)
	if err != nil {
		return err
	}
	block, err := s.source.GetBlock(ctx, hash)
	if err != nil {
		return err
	}
	frames, err := s.extractor.Extract(block)
	if err != nil {
		return fmt.Errorf("extract frames at %d: %w", height, err)
	}

	for _, frame := range frames {
		batch, err := codec.DecodeBatch(frame.Data, s.indexer)
		if err != nil {
			if errors.Is(err, rollupdb.ErrStorage) || s.config.MalformedBatchPolicy == PolicyHalt {
				return fmt.Errorf("frame %s at %d: %w", frame.Txid, height, err)
			}
			s.metrics.MalformedFrames.Inc()
			logger.Warn().Err(err).Str("txid", frame.Txid).Uint64("height", height).Msg("Skipping malformed batch")
			continue
		}

		result, err := s.sm.ApplyBatch(batch)
		if err != nil {
			return fmt.Errorf("apply batch %s: %w", frame.Txid, err)
		}
		s.metrics.BatchesApplied.Inc()
		s.metrics.TxApplied.Add(float64(result.Applied))
		for _, skipped := range result.Skipped {
			s.metrics.TxSkipped.WithLabelValues(skipped.Reason).Inc()
		}
		logger.Info().
			Uint64("height", height).
			Str("txid", frame.Txid).
			Str("sequencer", batch.Sequencer.Hex()).
			Int("applied", result.Applied).
			Int("skipped", len(result.Skipped)).
			Msg("Applied batch")
	}

	next := types.SyncState{Counter: height + 1, CurrentIndex: s.indexer.CurrentIndex()}
	if err := s.commit(next, frames); err != nil {
		return err
	}

	s.lock.Lock()
	s.state = next
	s.lock.Unlock()
	s.metrics.BlocksProcessed.Inc()
	s.metrics.SyncHeight.Set(float64(next.Counter))
	s.metrics.AddressIndex.Set(float64(next.CurrentIndex))
	logger.Debug().Uint64("height", height).Int("frames", len(frames)).Msg("Processed block")
	return nil
}

// commit flushes the ledger and writes state, with the frames read from the
// block, in one storage transaction.
func (s *Syncer) commit(state types.SyncState, frames []basechain.Frame) error {
	tx := s.db.NewTx()
	if _, err := s.ledger.Flush(tx); err != nil {
		tx.Discard()
		return err
	}
	for _, frame := range frames {
		if err := writeReplayed(tx, frame.Txid, state.Counter-1); err != nil {
			tx.Discard()
			return err
		}
	}
	if err := writeSyncState(tx, state); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		return rollupdb.StorageError("commit block", err)
	}
	return nil
}
