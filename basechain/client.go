// Package basechain talks to the Bitcoin node and wallet that carry rollup
// batches, and converts between batch frames and base-chain transactions.
package basechain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rolled-bit/go-rollup/log"
)

var logger = log.NewLogger("basechain")

var (
	// ErrNetwork marks transport failures; callers retry them.
	ErrNetwork = errors.New("base chain unreachable")
	// ErrRPC marks an error answer from the node.
	ErrRPC = errors.New("base chain rpc error")
	// ErrBlockNotFound is returned for a height above the tip.
	ErrBlockNotFound = errors.New("block height out of range")
	// ErrIncompletePsbt is returned when the wallet could not sign every input.
	ErrIncompletePsbt = errors.New("psbt incomplete")
	// ErrRejected is returned when the node refuses a transaction for good:
	// sending it again cannot succeed.
	ErrRejected = errors.New("transaction rejected")
)

// Bitcoin Core error codes.
const (
	// RPC_INVALID_PARAMETER, returned by getblockhash past the tip.
	rpcInvalidParameter = -8
	// RPC_VERIFY_ERROR and RPC_VERIFY_REJECTED, returned by sendrawtransaction.
	rpcVerifyError    = -25
	rpcVerifyRejected = -26
)

type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client is a JSON-RPC client for bitcoind. Every call is bounded by the
// configured timeout.
type Client struct {
	c       *rpc.Client
	timeout time.Duration
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	var options []rpc.ClientOption
	if cfg.User != "" || cfg.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Password))
		options = append(options, rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Basic "+token)
			return nil
		}))
	}
	c, err := rpc.DialOptions(ctx, cfg.URL, options...)
	if err != nil {
		return nil, errors.Wrapf(ErrNetwork, "dial %s: %v", cfg.URL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{c: c, timeout: timeout}, nil
}

func (c *Client) Close() {
	c.c.Close()
}

type rpcErrorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorCode extracts the node's error code. bitcoind answers errors with a
// non 2xx status, so the code may sit in the HTTP body.
func errorCode(err error) (int, string, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), rpcErr.Error(), true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		var body rpcErrorBody
		if json.Unmarshal(httpErr.Body, &body) == nil && body.Error != nil {
			return body.Error.Code, body.Error.Message, true
		}
	}
	return 0, "", false
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.c.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	if code, msg, ok := errorCode(err); ok {
		if code == rpcInvalidParameter && method == "getblockhash" {
			return errors.Wrapf(ErrBlockNotFound, "%s: %s", method, msg)
		}
		if (code == rpcVerifyError || code == rpcVerifyRejected) && method == "sendrawtransaction" {
			return errors.Wrapf(ErrRejected, "%s: code %d: %s", method, code, msg)
		}
		return errors.Wrapf(ErrRPC, "%s: code %d: %s", method, code, msg)
	}
	return errors.Wrapf(ErrNetwork, "%s: %v", method, err)
}

func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	err := c.call(ctx, &hash, "getblockhash", height)
	return hash, err
}

func (c *Client) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var block Block
	if err := c.call(ctx, &block, "getblock", hash, 2); err != nil {
		return nil, err
	}
	return &block, nil
}

func (c *Client) ListUnspent(ctx context.Context) ([]Unspent, error) {
	var unspent []Unspent
	err := c.call(ctx, &unspent, "listunspent")
	return unspent, err
}

// WalletProcessPsbt asks the wallet to sign psbt and returns the updated one.
func (c *Client) WalletProcessPsbt(ctx context.Context, psbt string) (string, error) {
	var processed processedPsbt
	if err := c.call(ctx, &processed, "walletprocesspsbt", psbt); err != nil {
		return "", err
	}
	if !processed.Complete {
		return "", ErrIncompletePsbt
	}
	return processed.Psbt, nil
}

// FinalizePsbt returns the network serialized transaction in hex.
func (c *Client) FinalizePsbt(ctx context.Context, psbt string) (string, error) {
	var finalized finalizedPsbt
	if err := c.call(ctx, &finalized, "finalizepsbt", psbt); err != nil {
		return "", err
	}
	if !finalized.Complete || finalized.Hex == "" {
		return "", ErrIncompletePsbt
	}
	return finalized.Hex, nil
}

// SendRawTransaction broadcasts a raw transaction and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	var txid string
	if err := c.call(ctx, &txid, "sendrawtransaction", rawTx); err != nil {
		return "", err
	}
	logger.Debug().Str("txid", txid).Msg("Broadcast transaction")
	return txid, nil
}
