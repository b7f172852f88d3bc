// Package api serves the node over HTTP: transaction admission, ledger and
// index queries, sync status and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/indexer"
	"github.com/rolled-bit/go-rollup/ledger"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/metrics"
	"github.com/rolled-bit/go-rollup/sequencer"
	"github.com/rolled-bit/go-rollup/txpool"
	"github.com/rolled-bit/go-rollup/types"
	"golang.org/x/time/rate"
)

var logger = log.NewLogger("api")

// SyncStatus reports the sync cursor and the state root it committed.
type SyncStatus interface {
	Status() (types.SyncState, []byte)
}

// Flusher triggers a sequencer tick.
type Flusher interface {
	Flush(ctx context.Context) (*sequencer.Anchor, error)
}

type API struct {
	pool      *txpool.TxPool
	ledger    *ledger.Ledger
	indexer   *indexer.Indexer
	sync      SyncStatus
	sequencer Flusher
	forwarder Forwarder
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
}

// NewAPI builds the handler set. pool and seq are nil on nodes that do not
// sequence; such nodes forward submissions if SetForwarder was called.
func NewAPI(
	pool *txpool.TxPool,
	l *ledger.Ledger,
	ix *indexer.Indexer,
	sync SyncStatus,
	seq Flusher,
	m *metrics.Metrics,
	limiter *rate.Limiter,
) *API {
	return &API{
		pool:      pool,
		ledger:    l,
		indexer:   ix,
		sync:      sync,
		sequencer: seq,
		metrics:   m,
		limiter:   limiter,
	}
}

// SetForwarder routes submissions to the sequencing node.
func (api *API) SetForwarder(f Forwarder) {
	api.forwarder = f
}

// Router registers every route on a new gorilla/mux router.
func (api *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/tx", api.rateLimited(http.HandlerFunc(api.SubmitTransaction))).Methods(http.MethodPost)
	router.HandleFunc("/tx/pending", api.PendingTransactions).Methods(http.MethodGet)
	router.HandleFunc("/accounts", api.GetAccounts).Methods(http.MethodGet)
	router.HandleFunc("/account/{address}", api.GetAccount).Methods(http.MethodGet)
	router.HandleFunc("/account/{address}/proof", api.GetAccountProof).Methods(http.MethodGet)
	router.HandleFunc("/index/{index}", api.ResolveIndex).Methods(http.MethodGet)
	router.HandleFunc("/address/{address}/index", api.LookupAddress).Methods(http.MethodGet)
	router.HandleFunc("/sync", api.GetSyncStatus).Methods(http.MethodGet)
	router.HandleFunc("/sequencer/flush", api.FlushSequencer).Methods(http.MethodPost)
	router.Handle("/metrics", api.metrics.Handler()).Methods(http.MethodGet)
	return router
}

func (api *API) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.limiter != nil && !api.limiter.Allow() {
			api.metrics.PoolRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

type submitResponse struct {
	Hash   common.Hash    `json:"hash"`
	Sender common.Address `json:"sender"`
}

func (api *API) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		api.metrics.PoolRejected.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid transaction: "+err.Error())
		return
	}
	if api.pool == nil {
		api.forward(w, r, &tx)
		return
	}

	hash, sender, err := api.pool.Add(&tx)
	if err != nil {
		status, reason := http.StatusBadRequest, "invalid"
		switch {
		case errors.Is(err, codec.ErrInvalidSignature):
			reason = "invalid_signature"
		case errors.Is(err, txpool.ErrAlreadyKnown):
			status, reason = http.StatusConflict, "already_known"
		case errors.Is(err, txpool.ErrPoolFull):
			status, reason = http.StatusServiceUnavailable, "pool_full"
		case errors.Is(err, txpool.ErrTxTooLarge), errors.Is(err, txpool.ErrDataTooLarge):
			reason = "too_large"
		}
		api.metrics.PoolRejected.WithLabelValues(reason).Inc()
		logger.Debug().Err(err).Str("reason", reason).Msg("Rejected transaction")
		writeError(w, status, err.Error())
		return
	}

	api.metrics.PoolSize.Set(float64(api.pool.Len()))
	logger.Info().Str("hash", hash.Hex()).Str("sender", sender.Hex()).Uint64("nonce", tx.Nonce).Msg("Transaction accepted")
	writeJSON(w, http.StatusAccepted, submitResponse{Hash: hash, Sender: sender})
}

// forward relays tx to the sequencing node once its signature checks out.
func (api *API) forward(w http.ResponseWriter, r *http.Request, tx *types.Transaction) {
	if api.forwarder == nil {
		api.metrics.PoolRejected.WithLabelValues("no_sequencer").Inc()
		writeError(w, http.StatusServiceUnavailable, "no sequencer")
		return
	}
	if _, err := codec.Verify(tx); err != nil {
		api.metrics.PoolRejected.WithLabelValues("invalid_signature").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := json.Marshal(tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, response, err := api.forwarder.Forward(r.Context(), body)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to forward transaction")
		writeError(w, http.StatusBadGateway, "sequencer unreachable")
		return
	}
	logger.Debug().Int("status", status).Uint64("nonce", tx.Nonce).Msg("Forwarded transaction")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		logger.Error().Err(err).Msg("Failed to write forwarded response")
	}
}

func (api *API) PendingTransactions(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if api.pool != nil {
		pending = api.pool.Len()
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": pending})
}

type accountResponse struct {
	Address common.Address `json:"address"`
	Nonce   hexutil.Uint64 `json:"nonce"`
	Balance *hexutil.Big   `json:"balance"`
}

func newAccountResponse(acct *types.Account) accountResponse {
	return accountResponse{
		Address: acct.Address,
		Nonce:   hexutil.Uint64(acct.Nonce),
		Balance: (*hexutil.Big)(acct.Balance),
	}
}

func (api *API) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	acct, err := api.ledger.CommittedAccount(addr)
	if err != nil {
		logger.Error().Err(err).Str("address", addr.Hex()).Msg("Failed to read account")
		writeError(w, http.StatusInternalServerError, "failed to read account")
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(acct))
}

func (api *API) GetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := api.ledger.Accounts()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list accounts")
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	response := make([]accountResponse, 0, len(accounts))
	for _, acct := range accounts {
		response = append(response, newAccountResponse(acct))
	}
	writeJSON(w, http.StatusOK, response)
}

type proofResponse struct {
	Address common.Address  `json:"address"`
	Root    hexutil.Bytes   `json:"root"`
	Value   hexutil.Bytes   `json:"value"`
	Proof   []hexutil.Bytes `json:"proof"`
}

func (api *API) GetAccountProof(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	proof, value, root, err := api.ledger.Prove(addr)
	if err != nil {
		logger.Error().Err(err).Str("address", addr.Hex()).Msg("Failed to prove account")
		writeError(w, http.StatusInternalServerError, "failed to prove account")
		return
	}
	response := proofResponse{Address: addr, Root: root, Value: value, Proof: make([]hexutil.Bytes, len(proof))}
	for i, p := range proof {
		response.Proof[i] = p
	}
	writeJSON(w, http.StatusOK, response)
}

type indexResponse struct {
	Index   uint64         `json:"index"`
	Address common.Address `json:"address"`
}

func (api *API) ResolveIndex(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}
	addr, err := api.indexer.Resolve(index)
	if errors.Is(err, indexer.ErrUnknownIndex) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		logger.Error().Err(err).Uint64("index", index).Msg("Failed to resolve index")
		writeError(w, http.StatusInternalServerError, "failed to resolve index")
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Index: index, Address: addr})
}

func (api *API) LookupAddress(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	index, found, err := api.indexer.Lookup(addr)
	if err != nil {
		logger.Error().Err(err).Str("address", addr.Hex()).Msg("Failed to look up address")
		writeError(w, http.StatusInternalServerError, "failed to look up address")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "address has no index")
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Index: index, Address: addr})
}

type syncResponse struct {
	Counter      uint64        `json:"counter"`
	CurrentIndex uint64        `json:"currentIndex"`
	StateRoot    hexutil.Bytes `json:"stateRoot"`
}

func (api *API) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	state, root := api.sync.Status()
	writeJSON(w, http.StatusOK, syncResponse{
		Counter:      state.Counter,
		CurrentIndex: state.CurrentIndex,
		StateRoot:    root,
	})
}

func (api *API) FlushSequencer(w http.ResponseWriter, r *http.Request) {
	if api.sequencer == nil {
		writeError(w, http.StatusNotFound, "sequencer disabled")
		return
	}
	anchor, err := api.sequencer.Flush(r.Context())
	if err != nil {
		logger.Warn().Err(err).Msg("Triggered flush failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if anchor == nil {
		writeJSON(w, http.StatusOK, map[string]int{"count": 0})
		return
	}
	writeJSON(w, http.StatusOK, anchor)
}
