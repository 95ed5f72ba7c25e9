package domain

import "time"

// ChainCheckpoint is the last fully-processed block for a network. It only
// moves forward, and only after a watcher tick completes without error.
type ChainCheckpoint struct {
	Network   string    `json:"network"`
	LastBlock uint64    `json:"last_block"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DerivationCounter is the single-row record of the last issued derivation
// index. Advanced under compare-and-swap so concurrent order creations can
// never share an index.
type DerivationCounter struct {
	LastIndex uint32    `json:"last_index"`
	UpdatedAt time.Time `json:"updated_at"`
}
