package types

import "github.com/ethereum/go-ethereum/common"

// Batch is the unit a sequencer anchors: its address plus transactions in
// application order.
type Batch struct {
	Sequencer    common.Address
	Transactions []*Transaction
}
