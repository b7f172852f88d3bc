// Package node assembles storage, the base-chain client, the syncer, the
// sequencer and the HTTP API into one process.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/api"
	"github.com/rolled-bit/go-rollup/basechain"
	"github.com/rolled-bit/go-rollup/config"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/execution"
	"github.com/rolled-bit/go-rollup/indexer"
	"github.com/rolled-bit/go-rollup/ledger"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/metrics"
	"github.com/rolled-bit/go-rollup/sequencer"
	"github.com/rolled-bit/go-rollup/statemachine"
	"github.com/rolled-bit/go-rollup/storage"
	"github.com/rolled-bit/go-rollup/syncer"
	"github.com/rolled-bit/go-rollup/txpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var logger = log.NewLogger("node")

// Chain is what the node needs from the base chain.
type Chain interface {
	syncer.BlockSource
	sequencer.Wallet
	Close()
}

type Node struct {
	config   *config.Config
	ledgerDB rollupdb.DB
	indexDB  rollupdb.DB
	chain    Chain

	metrics   *metrics.Metrics
	indexer   *indexer.Indexer
	ledger    *ledger.Ledger
	pool      *txpool.TxPool
	syncer    *syncer.Syncer
	sequencer *sequencer.Sequencer
	api       *api.API
}

// New dials the base chain and builds a node from cfg.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	client, err := basechain.Dial(ctx, basechain.Config{
		URL:      cfg.Basechain.RPCURL,
		User:     cfg.Basechain.RPCUser,
		Password: cfg.Basechain.RPCPassword,
		Timeout:  cfg.Basechain.RPCTimeout,
	})
	if err != nil {
		return nil, err
	}
	n, err := NewWithChain(cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return n, nil
}

// NewWithChain builds a node on an existing base-chain connection. It opens
// storage and runs genesis on a fresh store.
func NewWithChain(cfg *config.Config, chain Chain) (_ *Node, err error) {
	log.Configure(log.Config{
		Level:     cfg.Log.Level,
		Formatter: cfg.Log.Formatter,
		Out:       cfg.Log.Out,
		Caller:    cfg.Log.Caller,
	})

	n := &Node{config: cfg, chain: chain, metrics: metrics.New()}
	defer func() {
		if err != nil {
			n.closeStorage()
		}
	}()

	if n.ledgerDB, err = storage.Open(cfg.Storage.Engine, cfg.Storage.LedgerPath); err != nil {
		return nil, err
	}
	if n.indexDB, err = storage.Open(cfg.Storage.Engine, cfg.Storage.IndexPath); err != nil {
		return nil, err
	}
	if n.indexer, err = indexer.NewIndexer(n.indexDB, cfg.Storage.IndexCacheSize); err != nil {
		return nil, err
	}
	if n.ledger, err = ledger.NewLedger(n.ledgerDB); err != nil {
		return nil, err
	}

	params, err := basechain.NetParams(cfg.Basechain.Network)
	if err != nil {
		return nil, err
	}
	extractor, err := basechain.NewFrameExtractor(cfg.DepositAddress, params)
	if err != nil {
		return nil, err
	}

	sm := statemachine.NewStateMachine(n.ledger, execution.NewEngine(cfg.StrictCalls))
	n.syncer, err = syncer.NewSyncer(syncer.Config{
		StartHeight:          cfg.Sync.StartHeight,
		PollInterval:         cfg.Sync.PollInterval,
		MaxRetries:           cfg.Sync.MaxRetries,
		InitialBackoff:       cfg.Sync.InitialBackoff,
		MaxBackoff:           cfg.Sync.MaxBackoff,
		MalformedBatchPolicy: cfg.Sync.MalformedBatchPolicy,
	}, n.ledgerDB, chain, extractor, n.indexer, n.ledger, sm, n.metrics)
	if err != nil {
		return nil, err
	}
	if err = n.syncer.Bootstrap(cfg.MintAddress, cfg.MintAmount); err != nil {
		return nil, err
	}

	// a nil *Sequencer must not reach the API as a non-nil interface
	var flusher api.Flusher
	if cfg.Sequencer.Enabled {
		var maxFrame int
		if maxFrame, err = basechain.MaxFrameSize(cfg.Sequencer.ChunkSize); err != nil {
			return nil, err
		}
		n.pool = txpool.NewTxPool(cfg.PoolCapacity, maxFrame-common.AddressLength)
		n.sequencer, err = sequencer.NewSequencer(sequencer.Config{
			Address:       cfg.Sequencer.Address,
			Interval:      cfg.Sequencer.Interval,
			MaxBatchSize:  cfg.Sequencer.MaxBatchSize,
			ReanchorAfter: cfg.Sequencer.ReanchorAfter,
			Anchor: basechain.AnchorParams{
				DepositScript: extractor.DepositScript(),
				AnchorAmount:  btcutil.Amount(cfg.Sequencer.AnchorAmount),
				Fee:           btcutil.Amount(cfg.Sequencer.Fee),
				ChunkSize:     cfg.Sequencer.ChunkSize,
			},
		}, n.indexDB, n.pool, n.indexer.ReadOnly(), n.syncer, chain, n.metrics)
		if err != nil {
			return nil, err
		}
		flusher = n.sequencer
	}

	var limiter *rate.Limiter
	if cfg.RPC.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPC.RateLimit), cfg.RPC.RateBurst)
	}
	n.api = api.NewAPI(n.pool, n.ledger, n.indexer, n.syncer, flusher, n.metrics, limiter)
	if n.pool == nil && cfg.Sequencer.URL != "" {
		n.api.SetForwarder(api.NewHTTPForwarder(cfg.Sequencer.URL, cfg.Basechain.RPCTimeout))
		logger.Info().Str("url", cfg.Sequencer.URL).Msg("Forwarding transactions to sequencer")
	}
	n.metrics.AddressIndex.Set(float64(n.indexer.CurrentIndex()))
	return n, nil
}

// Handler is the HTTP API of the node.
func (n *Node) Handler() http.Handler {
	return n.api.Router()
}

// Run serves until ctx is cancelled or a component fails. The first fatal
// error stops every component.
func (n *Node) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(n.config.RPC.Port)))
	if err != nil {
		return err
	}
	return n.serve(ctx, listener)
}

func (n *Node) serve(ctx context.Context, listener net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	server := &http.Server{Handler: n.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		return n.syncer.Run(ctx)
	})
	if n.sequencer != nil {
		g.Go(func() error {
			return n.sequencer.Run(ctx)
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", listener.Addr().String()).Msg("Serving API")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("Node stopped")
	} else {
		logger.Info().Msg("Node stopped")
	}
	return err
}

func (n *Node) closeStorage() {
	for _, db := range []rollupdb.DB{n.ledgerDB, n.indexDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Str("type", db.Type()).Msg("Failed to close storage")
		}
	}
}

// Close releases storage and the base-chain connection.
func (n *Node) Close() {
	n.closeStorage()
	n.chain.Close()
}
