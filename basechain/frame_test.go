package basechain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var regtest = &chaincfg.RegressionNetParams

func testAddress(t *testing.T, seed byte) (string, []byte) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{seed}, 20), regtest)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), script
}

func vout(n uint32, script []byte) Vout {
	return Vout{N: n, ScriptPubKey: ScriptPubKey{Hex: hex.EncodeToString(script)}}
}

func nullData(t *testing.T, data []byte) []byte {
	script, err := txscript.NullDataScript(data)
	require.NoError(t, err)
	return script
}

func TestChunk(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 170)
	chunks := Chunk(data, 80)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 80)
	assert.Len(t, chunks[2], 10)
	assert.Equal(t, data, bytes.Join(chunks, nil))
	assert.Empty(t, Chunk(nil, 80))
}

func TestExtractFrames(t *testing.T) {
	deposit, depositScript := testAddress(t, 1)
	_, otherScript := testAddress(t, 2)
	extractor, err := NewFrameExtractor(deposit, regtest)
	require.NoError(t, err)

	block := &Block{Tx: []Tx{
		{Txid: "coinbase", Vout: []Vout{vout(0, otherScript)}},
		{Txid: "anchor", Vout: []Vout{
			vout(0, depositScript),
			vout(1, nullData(t, []byte("hello "))),
			vout(2, otherScript),
			vout(3, nullData(t, []byte("world"))),
		}},
		// null data without the deposit output is not a frame
		{Txid: "stranger", Vout: []Vout{vout(0, otherScript), vout(1, nullData(t, []byte("nope")))}},
		// deposit output without data is not a frame either
		{Txid: "payment", Vout: []Vout{vout(0, depositScript)}},
	}}

	frames, err := extractor.Extract(block)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "anchor", frames[0].Txid)
	assert.Equal(t, []byte("hello world"), frames[0].Data)
}

func TestExtractBadScriptHex(t *testing.T) {
	deposit, _ := testAddress(t, 1)
	extractor, err := NewFrameExtractor(deposit, regtest)
	require.NoError(t, err)
	block := &Block{Tx: []Tx{{Txid: "bad", Vout: []Vout{{ScriptPubKey: ScriptPubKey{Hex: "zz"}}}}}}
	_, err = extractor.Extract(block)
	assert.Error(t, err)
}

func TestAnchorPsbtRoundTrip(t *testing.T) {
	deposit, depositScript := testAddress(t, 1)
	_, fundingScript := testAddress(t, 3)
	extractor, err := NewFrameExtractor(deposit, regtest)
	require.NoError(t, err)

	frame := bytes.Repeat([]byte{0xab}, 200)
	utxos := []Unspent{
		{Txid: "11" + strings64("00"), Vout: 0, ScriptPubKey: hex.EncodeToString(fundingScript), Amount: 0.0001, Spendable: true},
		{Txid: "22" + strings64("00"), Vout: 1, ScriptPubKey: hex.EncodeToString(fundingScript), Amount: 0.5, Spendable: true},
		{Txid: "33" + strings64("00"), Vout: 2, ScriptPubKey: hex.EncodeToString(fundingScript), Amount: 5, Spendable: false},
	}
	encoded, err := BuildAnchorPsbt(frame, utxos, AnchorParams{
		DepositScript: extractor.DepositScript(),
		AnchorAmount:  546,
		Fee:           1000,
		ChunkSize:     80,
	})
	require.NoError(t, err)

	packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(encoded)), true)
	require.NoError(t, err)
	tx := packet.UnsignedTx
	require.Len(t, tx.TxIn, 1)
	assert.Equal(t, uint32(1), tx.TxIn[0].PreviousOutPoint.Index, "largest spendable output funds the anchor")

	// deposit, three chunks, change
	require.Len(t, tx.TxOut, 5)
	assert.Equal(t, depositScript, tx.TxOut[0].PkScript)
	assert.Equal(t, int64(546), tx.TxOut[0].Value)
	assert.Equal(t, int64(50_000_000-546-1000), tx.TxOut[4].Value)

	var vouts []Vout
	for i, out := range tx.TxOut {
		vouts = append(vouts, vout(uint32(i), out.PkScript))
	}
	frames, err := extractor.Extract(&Block{Tx: []Tx{{Txid: "anchor", Vout: vouts}}})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0].Data)
}

func TestAnchorPsbtNoFunds(t *testing.T) {
	_, script := testAddress(t, 1)
	_, err := BuildAnchorPsbt([]byte{1}, []Unspent{
		{Txid: "11" + strings64("00"), ScriptPubKey: hex.EncodeToString(script), Amount: 0.00001, Spendable: true},
	}, AnchorParams{DepositScript: script, AnchorAmount: 546, Fee: 1000, ChunkSize: 80})
	assert.ErrorIs(t, err, ErrNoFunds)

	_, err = BuildAnchorPsbt([]byte{1}, nil, AnchorParams{DepositScript: script, AnchorAmount: 546, Fee: 1000, ChunkSize: 81})
	assert.Error(t, err)
}

func TestMaxFrameSize(t *testing.T) {
	size, err := MaxFrameSize(80)
	require.NoError(t, err)
	// an 80 byte chunk costs a 92 byte output
	assert.Equal(t, (100000-anchorOverhead)/92*80, size)

	_, err = MaxFrameSize(0)
	assert.Error(t, err)
	_, err = MaxFrameSize(81)
	assert.Error(t, err)

	_, script := testAddress(t, 1)
	utxos := []Unspent{{Txid: "11" + strings64("00"), ScriptPubKey: hex.EncodeToString(script), Amount: 1, Spendable: true}}
	params := AnchorParams{DepositScript: script, AnchorAmount: 546, Fee: 1000, ChunkSize: 80}
	_, err = BuildAnchorPsbt(make([]byte, size), utxos, params)
	assert.NoError(t, err)
	_, err = BuildAnchorPsbt(make([]byte, size+1), utxos, params)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNetParams(t *testing.T) {
	params, err := NetParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, chaincfg.RegressionNetParams.Name, params.Name)
	_, err = NetParams("moon")
	assert.Error(t, err)
}

// strings64 pads a txid prefix to 64 hex characters.
func strings64(fill string) string {
	return string(bytes.Repeat([]byte(fill), 31))
}
