// Package ledger holds rollup accounts and contract code. Mutations go to
// in-memory overlays; Flush moves them, with the state root, into a storage
// transaction owned by the caller.
package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/minio/sha256-simd"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/smt"
	"github.com/rolled-bit/go-rollup/types"
)

var logger = log.NewLogger("ledger")

var (
	stateRootKey = []byte("stateRoot")

	ErrOpenCheckpoint = errors.New("ledger: flush with open checkpoint")
	ErrNoCheckpoint   = errors.New("ledger: no open checkpoint")
)

const treeDepth = 256

type overlay struct {
	accounts map[common.Address]*types.Account
	code     map[common.Address][]byte
}

func newOverlay() *overlay {
	return &overlay{
		accounts: make(map[common.Address]*types.Account),
		code:     make(map[common.Address][]byte),
	}
}

// Ledger is not safe for concurrent mutation; one goroutine owns it.
// CommittedAccount and StateRoot may be called from anywhere.
type Ledger struct {
	db   rollupdb.DB
	tree *smt.SparseMerkleTree

	// dirty holds everything since the last Flush; checkpoints stack on top.
	dirty       *overlay
	checkpoints []*overlay
}

// NewLedger opens the ledger stored in db.
func NewLedger(db rollupdb.DB) (*Ledger, error) {
	root, _, err := db.Get(rollupdb.NamespaceStateRoot, stateRootKey)
	if err != nil {
		return nil, rollupdb.StorageError("load state root", err)
	}
	tree, err := smt.NewSparseMerkleTree(db, rollupdb.NamespaceLedgerTrie, sha256.New, root, treeDepth)
	if err != nil {
		return nil, err
	}
	logger.Info().Hex("root", tree.Root()).Msg("Ledger opened")
	return &Ledger{db: db, tree: tree, dirty: newOverlay()}, nil
}

func (l *Ledger) top() *overlay {
	if n := len(l.checkpoints); n > 0 {
		return l.checkpoints[n-1]
	}
	return l.dirty
}

// GetAccount returns a copy of the account at addr; unknown addresses yield
// an empty account.
func (l *Ledger) GetAccount(addr common.Address) (*types.Account, error) {
	for i := len(l.checkpoints) - 1; i >= 0; i-- {
		if acct, ok := l.checkpoints[i].accounts[addr]; ok {
			return acct.Copy(), nil
		}
	}
	if acct, ok := l.dirty.accounts[addr]; ok {
		return acct.Copy(), nil
	}
	return l.CommittedAccount(addr)
}

// SetAccount stages acct in the innermost checkpoint.
func (l *Ledger) SetAccount(acct *types.Account) {
	l.top().accounts[acct.Address] = acct.Copy()
}

// GetCode returns the contract code at addr, nil if none.
func (l *Ledger) GetCode(addr common.Address) ([]byte, error) {
	for i := len(l.checkpoints) - 1; i >= 0; i-- {
		if code, ok := l.checkpoints[i].code[addr]; ok {
			return code, nil
		}
	}
	if code, ok := l.dirty.code[addr]; ok {
		return code, nil
	}
	code, _, err := l.db.Get(rollupdb.NamespaceCode, addr.Bytes())
	if err != nil {
		return nil, rollupdb.StorageError("get code", err)
	}
	return code, nil
}

func (l *Ledger) SetCode(addr common.Address, code []byte) {
	l.top().code[addr] = common.CopyBytes(code)
}

// Checkpoint opens a nested scope that Commit folds into its parent and
// Revert drops.
func (l *Ledger) Checkpoint() {
	l.checkpoints = append(l.checkpoints, newOverlay())
}

func (l *Ledger) Commit() error {
	n := len(l.checkpoints)
	if n == 0 {
		return ErrNoCheckpoint
	}
	child := l.checkpoints[n-1]
	l.checkpoints = l.checkpoints[:n-1]
	parent := l.top()
	for addr, acct := range child.accounts {
		parent.accounts[addr] = acct
	}
	for addr, code := range child.code {
		parent.code[addr] = code
	}
	return nil
}

func (l *Ledger) Revert() error {
	n := len(l.checkpoints)
	if n == 0 {
		return ErrNoCheckpoint
	}
	l.checkpoints = l.checkpoints[:n-1]
	return nil
}

// Discard drops every change since the last Flush.
func (l *Ledger) Discard() {
	l.checkpoints = nil
	l.dirty = newOverlay()
	l.tree.Discard()
}

// Flush writes staged accounts, code and the new state root into w and
// returns the root. Tree nodes are content addressed and go through a bulk
// writer flushed before returning, which keeps w small however many accounts
// a block touches; nodes of a root that w never records are unreachable. The
// staged changes are cleared; if the caller's transaction then fails the node
// must stop, as memory and disk diverge.
func (l *Ledger) Flush(w rollupdb.Writer) ([]byte, error) {
	if len(l.checkpoints) > 0 {
		return nil, ErrOpenCheckpoint
	}
	for addr, acct := range l.dirty.accounts {
		data, err := acct.Serialize()
		if err != nil {
			return nil, err
		}
		if err := w.Set(rollupdb.NamespaceAccount, addr.Bytes(), data); err != nil {
			return nil, rollupdb.StorageError("set account", err)
		}
		if _, err := l.tree.Update(addr.Bytes(), data); err != nil {
			return nil, fmt.Errorf("update state tree: %w", err)
		}
	}
	for addr, code := range l.dirty.code {
		if err := w.Set(rollupdb.NamespaceCode, addr.Bytes(), code); err != nil {
			return nil, rollupdb.StorageError("set code", err)
		}
	}
	nodes := l.db.NewBulk()
	if err := l.tree.Commit(nodes); err != nil {
		nodes.DiscardLast()
		return nil, err
	}
	if err := nodes.Flush(); err != nil {
		return nil, rollupdb.StorageError("flush state tree", err)
	}
	root := l.tree.CommittedRoot()
	if err := w.Set(rollupdb.NamespaceStateRoot, stateRootKey, root); err != nil {
		return nil, rollupdb.StorageError("set state root", err)
	}
	l.dirty = newOverlay()
	return root, nil
}

// CommittedAccount reads an account as of the last flushed transaction.
func (l *Ledger) CommittedAccount(addr common.Address) (*types.Account, error) {
	data, exists, err := l.db.Get(rollupdb.NamespaceAccount, addr.Bytes())
	if err != nil {
		return nil, rollupdb.StorageError("get account", err)
	}
	if !exists {
		return types.NewAccount(addr), nil
	}
	return types.DeserializeAccount(addr, data)
}

// StateRoot is the root of the state tree as of the last Flush.
func (l *Ledger) StateRoot() []byte {
	return l.tree.CommittedRoot()
}

// Prove returns a compact proof of the committed account at addr against
// StateRoot, together with the account encoding it proves (nil if absent).
func (l *Ledger) Prove(addr common.Address) (proof [][]byte, value []byte, root []byte, err error) {
	root = l.tree.CommittedRoot()
	value, err = l.tree.GetForRoot(addr.Bytes(), root)
	if err != nil {
		return nil, nil, nil, err
	}
	proof, err = l.tree.ProveCompact(addr.Bytes(), root)
	if err != nil {
		return nil, nil, nil, err
	}
	return proof, value, root, nil
}

// VerifyProof checks a proof returned by Prove.
func VerifyProof(proof [][]byte, root []byte, addr common.Address, value []byte) bool {
	return smt.VerifyCompactProof(proof, root, addr.Bytes(), value, sha256.New(), treeDepth)
}

// Accounts lists every flushed account, in key order.
func (l *Ledger) Accounts() ([]*types.Account, error) {
	start := rollupdb.PrependNamespace(rollupdb.NamespaceAccount, nil)
	end := append(common.CopyBytes(rollupdb.NamespaceAccount), rollupdb.Separator[0]+1)
	iter := l.db.Iterator(start, end)
	defer iter.Close()

	var accounts []*types.Account
	for ; iter.Valid(); iter.Next() {
		key, err := iter.Key()
		if err != nil {
			return nil, rollupdb.StorageError("iterate accounts", err)
		}
		value, err := iter.Value()
		if err != nil {
			return nil, rollupdb.StorageError("iterate accounts", err)
		}
		addr := common.BytesToAddress(key[len(start):])
		acct, err := types.DeserializeAccount(addr, value)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}
