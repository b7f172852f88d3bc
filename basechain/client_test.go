package basechain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers like bitcoind: errors come back with HTTP 500.
func fakeNode(t *testing.T, tip uint64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		respond := func(result interface{}) {
			json.NewEncoder(w).Encode(map[string]interface{}{"id": req.ID, "result": result, "error": nil})
		}
		fail := func(code int, msg string) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": req.ID, "result": nil, "error": map[string]interface{}{"code": code, "message": msg},
			})
		}

		switch req.Method {
		case "getblockhash":
			var height uint64
			assert.NoError(t, json.Unmarshal(req.Params[0], &height))
			if height > tip {
				fail(-8, "Block height out of range")
				return
			}
			respond("00000000000000000000000000000000000000000000000000000000000000aa")
		case "getblock":
			respond(Block{Hash: "aa", Height: 7, Tx: []Tx{{Txid: "t1"}}})
		case "walletprocesspsbt":
			respond(processedPsbt{Psbt: "signed", Complete: true})
		case "finalizepsbt":
			respond(finalizedPsbt{Hex: "", Complete: false})
		case "sendrawtransaction":
			var raw string
			assert.NoError(t, json.Unmarshal(req.Params[0], &raw))
			if raw == "oversized" {
				fail(-26, "tx-size")
				return
			}
			fail(-25, "bad-txns-inputs-missingorspent")
		default:
			fail(-32601, "Method not found")
		}
	}))
}

func dialFake(t *testing.T, srv *httptest.Server) *Client {
	c, err := Dial(context.Background(), Config{URL: srv.URL, User: "alice", Password: "secret", Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetBlock(t *testing.T) {
	srv := fakeNode(t, 10)
	defer srv.Close()
	c := dialFake(t, srv)

	hash, err := c.GetBlockHash(context.Background(), 7)
	require.NoError(t, err)
	block, err := c.GetBlock(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), block.Height)
	assert.Len(t, block.Tx, 1)
}

func TestHeightAboveTip(t *testing.T) {
	srv := fakeNode(t, 10)
	defer srv.Close()
	c := dialFake(t, srv)

	_, err := c.GetBlockHash(context.Background(), 11)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestRPCErrors(t *testing.T) {
	srv := fakeNode(t, 10)
	defer srv.Close()
	c := dialFake(t, srv)

	_, err := c.ListUnspent(context.Background())
	assert.ErrorIs(t, err, ErrRPC)

	signed, err := c.WalletProcessPsbt(context.Background(), "unsigned")
	require.NoError(t, err)
	assert.Equal(t, "signed", signed)

	_, err = c.FinalizePsbt(context.Background(), signed)
	assert.ErrorIs(t, err, ErrIncompletePsbt)
}

func TestSendRejected(t *testing.T) {
	srv := fakeNode(t, 10)
	defer srv.Close()
	c := dialFake(t, srv)

	for _, raw := range []string{"oversized", "0200"} {
		_, err := c.SendRawTransaction(context.Background(), raw)
		assert.ErrorIs(t, err, ErrRejected, raw)
		assert.NotErrorIs(t, err, ErrNetwork, raw)
	}
}

func TestNetworkError(t *testing.T) {
	srv := fakeNode(t, 10)
	c := dialFake(t, srv)
	srv.Close()

	_, err := c.GetBlockHash(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNetwork)
}
