package types

// SyncState is the crash-resume cursor. Counter is the next base-chain height
// to process; CurrentIndex mirrors the address indexer counter when written.
type SyncState struct {
	Counter      uint64 `json:"counter"`
	CurrentIndex uint64 `json:"currentIndex"`
}
