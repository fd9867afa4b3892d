// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DerivationChain identifies one of the two unhardened BIP32 branches of an
// account: external addresses handed out to counterparties, and internal
// addresses used for change.
type DerivationChain uint32

const (
	// ChainReceiving is the external branch (account/0/index).
	ChainReceiving DerivationChain = 0

	// ChainChange is the internal branch (account/1/index).
	ChainChange DerivationChain = 1
)

// String returns a human-readable branch name.
func (c DerivationChain) String() string {
	switch c {
	case ChainReceiving:
		return "receiving"
	case ChainChange:
		return "change"
	}
	return "unknown"
}

// HistoryClass describes how a history record relates to the wallet.
type HistoryClass uint8

const (
	// ClassIncoming marks a transaction touching a receiving address.
	ClassIncoming HistoryClass = iota

	// ClassOutgoing marks a spend from the wallet.
	//
	// TODO: classify outgoing spends by matching transaction inputs
	// against owned prevouts once transactions are fetched; the scanner
	// alone cannot distinguish them from incoming payments.
	ClassOutgoing

	// ClassChange marks a transaction touching a change address.
	ClassChange
)

// String returns a human-readable class name.
func (c HistoryClass) String() string {
	switch c {
	case ClassIncoming:
		return "incoming"
	case ClassOutgoing:
		return "outgoing"
	case ClassChange:
		return "change"
	}
	return "unknown"
}

// HistoryRecord is one address/transaction involvement discovered during a
// scan.  Records are identified by the (TxID, Address, Index) triple; a
// record received again under the same identity replaces the older one, so a
// pending entry is superseded once the transaction confirms.
type HistoryRecord struct {
	// TxID is the hash of the involving transaction.
	TxID chainhash.Hash

	// Height is the confirmation height, or -1 while the transaction is
	// unconfirmed.
	Height int32

	// Address is the encoded wallet address the transaction touches.
	Address string

	// Index is the address's derivation index on its branch.
	Index uint32

	// Class describes the wallet's involvement.
	Class HistoryClass
}

// Confirmed reports whether the transaction has been mined.
func (r *HistoryRecord) Confirmed() bool {
	return r.Height > 0
}

// MiningInfo renders the record's confirmation state for display: "pending"
// while unconfirmed, otherwise the estimated block time.
func (r *HistoryRecord) MiningInfo() string {
	if !r.Confirmed() {
		return "pending"
	}
	return EstimateBlockTime(r.Height).Format(blockTimeFormat)
}

// UtxoRecord is one unspent output owned by the wallet.
type UtxoRecord struct {
	// TxID is the hash of the funding transaction.
	TxID chainhash.Hash

	// Height is the confirmation height, or 0 while the funding
	// transaction is unconfirmed.
	Height int32

	// Vout is the output's index in the funding transaction.
	Vout uint32

	// Value is the output amount.
	Value btcutil.Amount

	// Address is the encoded address the output pays to.
	Address string

	// Index is the address's derivation index on its branch.
	Index uint32

	// Change indicates the output pays an internal branch address.
	Change bool
}

// OutPoint returns the output's unique chain location.
func (r *UtxoRecord) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: r.TxID, Index: r.Vout}
}

// Confirmed reports whether the funding transaction has been mined.
func (r *UtxoRecord) Confirmed() bool {
	return r.Height > 0
}

// MiningInfo renders the output's confirmation state for display: "mempool"
// while unconfirmed, otherwise the estimated block time.
func (r *UtxoRecord) MiningInfo() string {
	if !r.Confirmed() {
		return "mempool"
	}
	return EstimateBlockTime(r.Height).Format(blockTimeFormat)
}

// Prevout is the spendable projection of a UtxoRecord consumed by coin
// selection.
type Prevout struct {
	// OutPoint is the output's chain location.
	OutPoint wire.OutPoint

	// Amount is the output value.
	Amount btcutil.Amount

	// Change indicates an internal branch output.
	Change bool

	// Index is the paying address's derivation index.
	Index uint32
}

// Chain returns the branch the paying address belongs to.
func (p *Prevout) Chain() DerivationChain {
	if p.Change {
		return ChainChange
	}
	return ChainReceiving
}

// FeeTiers holds the fee-rate estimates for the standard confirmation
// targets of one, two and three blocks, in sat/vB.  A tier is zero when the
// server had no estimate available.
type FeeTiers struct {
	Fast   float64
	Medium float64
	Slow   float64
}

// ChainTip describes the server's best block.
type ChainTip struct {
	// Height is the best block height.
	Height int32

	// Hash is the best block hash.
	Hash chainhash.Hash

	// Timestamp is the best block header time.
	Timestamp time.Time
}

// blockTimeFormat renders estimated block times for display.
const blockTimeFormat = "2006-01-02 3 pm"

// Reference point for block-time estimation: a known mainnet block height
// and its timestamp, extrapolated at the 10 minute block target.
const (
	refBlockHeight = 733961
	refBlockUnix   = 1651158666
	blockInterval  = 600
)

// EstimateBlockTime returns a rough wall-clock time for the given block
// height, extrapolated from a fixed reference block at the ten-minute
// target spacing.  Non-positive heights denote unmined transactions and map
// to the current time.
func EstimateBlockTime(height int32) time.Time {
	if height <= 0 {
		return time.Now()
	}
	delta := int64(height-refBlockHeight) * blockInterval
	return time.Unix(refBlockUnix+delta, 0)
}
