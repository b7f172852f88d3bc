package basechain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Frame is the rollup payload carried by one base-chain transaction.
type Frame struct {
	Txid string
	Data []byte
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// AddressScript returns the output script paying address on net.
func AddressScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// FrameExtractor finds rollup frames in blocks. A transaction carries a frame
// when its first output pays the deposit script; the frame is the data pushed
// by its null-data outputs, concatenated in output order.
type FrameExtractor struct {
	depositScript []byte
}

func NewFrameExtractor(depositAddress string, net *chaincfg.Params) (*FrameExtractor, error) {
	script, err := AddressScript(depositAddress, net)
	if err != nil {
		return nil, err
	}
	return &FrameExtractor{depositScript: script}, nil
}

// DepositScript is the script the first output of an anchor pays.
func (e *FrameExtractor) DepositScript() []byte {
	return e.depositScript
}

// Extract returns the frames of block in transaction order.
func (e *FrameExtractor) Extract(block *Block) ([]Frame, error) {
	var frames []Frame
	for _, tx := range block.Tx {
		data, ok, err := e.extractTx(&tx)
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", tx.Txid, err)
		}
		if ok {
			frames = append(frames, Frame{Txid: tx.Txid, Data: data})
		}
	}
	return frames, nil
}

func (e *FrameExtractor) extractTx(tx *Tx) ([]byte, bool, error) {
	if len(tx.Vout) == 0 {
		return nil, false, nil
	}
	first, err := tx.Vout[0].ScriptPubKey.Script()
	if err != nil {
		return nil, false, err
	}
	if !bytes.Equal(first, e.depositScript) {
		return nil, false, nil
	}

	var frame []byte
	found := false
	for _, out := range tx.Vout[1:] {
		script, err := out.ScriptPubKey.Script()
		if err != nil {
			return nil, false, err
		}
		if txscript.GetScriptClass(script) != txscript.NullDataTy {
			continue
		}
		pushes, err := txscript.PushedData(script)
		if err != nil {
			return nil, false, err
		}
		for _, push := range pushes {
			frame = append(frame, push...)
		}
		found = true
	}
	return frame, found, nil
}

// Chunk splits data into pieces of at most size bytes.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = txscript.MaxDataCarrierSize
	}
	var chunks [][]byte
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}
