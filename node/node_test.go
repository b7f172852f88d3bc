package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rolled-bit/go-rollup/basechain"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/config"
	"github.com/rolled-bit/go-rollup/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain mines every broadcast anchor into the next block.
type fakeChain struct {
	lock    sync.Mutex
	script  []byte
	blocks  []*basechain.Block
	mempool []basechain.Tx
	sent    int
	closed  bool
}

func (c *fakeChain) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if height >= uint64(len(c.blocks)) {
		return "", basechain.ErrBlockNotFound
	}
	return c.blocks[height].Hash, nil
}

func (c *fakeChain) GetBlock(ctx context.Context, hash string) (*basechain.Block, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, block := range c.blocks {
		if block.Hash == hash {
			return block, nil
		}
	}
	return nil, basechain.ErrBlockNotFound
}

func (c *fakeChain) mine() {
	c.lock.Lock()
	defer c.lock.Unlock()
	height := uint64(len(c.blocks))
	c.blocks = append(c.blocks, &basechain.Block{Hash: fmt.Sprintf("%064x", height), Height: height, Tx: c.mempool})
	c.mempool = nil
}

func (c *fakeChain) ListUnspent(ctx context.Context) ([]basechain.Unspent, error) {
	return []basechain.Unspent{{
		Txid:         strings.Repeat("ab", 32),
		ScriptPubKey: common.Bytes2Hex(c.script),
		Amount:       0.01,
		Spendable:    true,
	}}, nil
}

func (c *fakeChain) WalletProcessPsbt(ctx context.Context, packet string) (string, error) {
	return packet, nil
}

// FinalizePsbt hands back the PSBT itself so SendRawTransaction can read the
// outputs.
func (c *fakeChain) FinalizePsbt(ctx context.Context, packet string) (string, error) {
	return packet, nil
}

func (c *fakeChain) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	tx, err := decodeAnchor(raw)
	if err != nil {
		return "", err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent++
	tx.Txid = fmt.Sprintf("%064x", c.sent)
	c.mempool = append(c.mempool, tx)
	return tx.Txid, nil
}

func (c *fakeChain) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

func newTestNode(t *testing.T, chain *fakeChain, mint common.Address, opts ...func(*config.Config)) *Node {
	deposit, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{1}, 20), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	chain.script, err = txscript.PayToAddrScript(deposit)
	require.NoError(t, err)

	cfg := &config.Config{
		Basechain:      config.BasechainConfig{Network: "regtest"},
		DepositAddress: deposit.EncodeAddress(),
		Sequencer: config.SequencerConfig{
			Enabled:      true,
			Address:      common.HexToAddress("0x5e00000000000000000000000000000000000000"),
			Interval:     time.Hour,
			MaxBatchSize: 10,
			ChunkSize:    80,
			AnchorAmount: 546,
			Fee:          1000,
		},
		MintAddress: mint,
		MintAmount:  big.NewInt(1000),
		Sync: config.SyncConfig{
			PollInterval:         time.Millisecond,
			MaxRetries:           2,
			InitialBackoff:       time.Millisecond,
			MaxBackoff:           time.Millisecond,
			MalformedBatchPolicy: "skip",
		},
		PoolCapacity: 100,
		Storage:      config.StorageConfig{Engine: "memory"},
		Log:          config.LogConfig{Level: "error", Formatter: "json", Out: "stderr"},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	n, err := NewWithChain(cfg, chain)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func getJSON(t *testing.T, handler http.Handler, method, path string, body []byte, v interface{}) int {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	if v != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestSubmitAnchorAndSync(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	mint := crypto.PubkeyToAddress(key.PublicKey)
	chain := &fakeChain{}
	chain.mine()
	n := newTestNode(t, chain, mint)
	handler := n.Handler()

	alice := common.HexToAddress("0xa1")
	tx := &types.Transaction{Nonce: 0, To: &alice, GasLimit: 10, GasPrice: big.NewInt(1), Value: big.NewInt(100)}
	_, err = codec.Sign(tx, key)
	require.NoError(t, err)
	body, err := json.Marshal(tx)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, getJSON(t, handler, http.MethodPost, "/tx", body, nil))

	var anchor map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, handler, http.MethodPost, "/sequencer/flush", nil, &anchor))
	assert.Equal(t, 1.0, anchor["count"])
	chain.mine()

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- n.serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		var status struct {
			Counter uint64 `json:"counter"`
		}
		resp, err := http.Get("http://" + listener.Addr().String() + "/sync")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}
		return status.Counter == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var acct struct {
		Balance string `json:"balance"`
		Nonce   string `json:"nonce"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, handler, http.MethodGet, "/account/"+alice.Hex(), nil, &acct))
	assert.Equal(t, "0x64", acct.Balance)
	require.Equal(t, http.StatusOK, getJSON(t, handler, http.MethodGet, "/account/"+mint.Hex(), nil, &acct))
	assert.Equal(t, "0x1", acct.Nonce)
	assert.Equal(t, "0x37a", acct.Balance) // 1000 - 100 - 10
}

func TestFollowerForwardsToSequencer(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	mint := crypto.PubkeyToAddress(key.PublicKey)
	chain := &fakeChain{}
	seq := newTestNode(t, chain, mint)
	srv := httptest.NewServer(seq.Handler())
	defer srv.Close()

	follower := newTestNode(t, chain, mint, func(cfg *config.Config) {
		cfg.Sequencer = config.SequencerConfig{URL: srv.URL}
	})
	alone := newTestNode(t, chain, mint, func(cfg *config.Config) {
		cfg.Sequencer = config.SequencerConfig{}
	})

	alice := common.HexToAddress("0xa1")
	tx := &types.Transaction{Nonce: 0, To: &alice, GasLimit: 10, GasPrice: big.NewInt(1), Value: big.NewInt(100)}
	_, err = codec.Sign(tx, key)
	require.NoError(t, err)
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, alone.Handler(), http.MethodPost, "/tx", body, nil))
	require.Equal(t, http.StatusAccepted, getJSON(t, follower.Handler(), http.MethodPost, "/tx", body, nil))

	var pending map[string]int
	require.Equal(t, http.StatusOK, getJSON(t, seq.Handler(), http.MethodGet, "/tx/pending", nil, &pending))
	assert.Equal(t, 1, pending["pending"])
	require.Equal(t, http.StatusOK, getJSON(t, follower.Handler(), http.MethodGet, "/tx/pending", nil, &pending))
	assert.Equal(t, 0, pending["pending"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, follower.Handler(), http.MethodPost, "/sequencer/flush", nil, nil))
}

func TestGenesisRunsOnce(t *testing.T) {
	mint := common.HexToAddress("0xa1")
	chain := &fakeChain{}
	n := newTestNode(t, chain, mint)

	var status struct {
		Counter      uint64 `json:"counter"`
		CurrentIndex uint64 `json:"currentIndex"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, n.Handler(), http.MethodGet, "/sync", nil, &status))
	assert.Equal(t, uint64(0), status.Counter)
	assert.Equal(t, uint64(1), status.CurrentIndex)

	var resp struct {
		Address common.Address `json:"address"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, n.Handler(), http.MethodGet, "/index/0", nil, &resp))
	assert.Equal(t, mint, resp.Address)
}

func TestNewRejectsBadDeposit(t *testing.T) {
	cfg := &config.Config{
		Basechain:      config.BasechainConfig{Network: "regtest"},
		DepositAddress: "not-an-address",
		MintAddress:    common.HexToAddress("0xa1"),
		MintAmount:     big.NewInt(1),
		Sync:           config.SyncConfig{MalformedBatchPolicy: "skip"},
		Storage:        config.StorageConfig{Engine: "memory"},
	}
	_, err := NewWithChain(cfg, &fakeChain{})
	assert.Error(t, err)
}

func decodeAnchor(packet string) (basechain.Tx, error) {
	p, err := psbt.NewFromRawBytes(strings.NewReader(packet), true)
	if err != nil {
		return basechain.Tx{}, err
	}
	tx := basechain.Tx{}
	for i, out := range p.UnsignedTx.TxOut {
		tx.Vout = append(tx.Vout, basechain.Vout{
			N:            uint32(i),
			Value:        btcutil.Amount(out.Value).ToBTC(),
			ScriptPubKey: basechain.ScriptPubKey{Hex: hex.EncodeToString(out.PkScript)},
		})
	}
	return tx, nil
}
