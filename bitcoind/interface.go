package bitcoind

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainTip is the highest block known to the backing node.
type ChainTip struct {
	Height int32
	Hash   chainhash.Hash
}

// UtxoInfo describes an unspent output as seen by the backing node at its
// current tip. Mempool spends and creations are ignored: an output reported
// here has at least one confirmation.
type UtxoInfo struct {
	// Confirmations of the transaction creating the output. Always >= 1.
	Confirmations int32

	// BestBlock is the node's tip at the time of the query.
	BestBlock chainhash.Hash

	// Value of the output.
	Value int64
}

// ChainIO is the read-and-broadcast interface the poller needs over a
// Bitcoin full node. BitcoinD is the production implementation, tests
// substitute their own.
type ChainIO interface {
	// ChainTip returns the node's current best block.
	ChainTip() (*ChainTip, error)

	// BlockHash returns the hash of the block at the given height in the
	// node's active chain.
	BlockHash(height int32) (*chainhash.Hash, error)

	// UtxoInfo looks up an outpoint in the node's confirmed UTXO set. A
	// nil result with a nil error means the outpoint is not unspent:
	// never created, or spent by a confirmed transaction.
	UtxoInfo(outpoint *wire.OutPoint) (*UtxoInfo, error)

	// BroadcastTx submits the transaction to the node's mempool for
	// relay.
	BroadcastTx(tx *wire.MsgTx) error
}
