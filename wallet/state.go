// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// historyKey is the identity of a history record.  A transaction touching
// two wallet addresses yields two records.
type historyKey struct {
	txid    chainhash.Hash
	address string
	index   uint32
}

// AddressUsage is a per-address rollup of the wallet's discovered footprint.
type AddressUsage struct {
	// Address is the encoded address.
	Address string

	// Chain is the branch the address belongs to.
	Chain DerivationChain

	// Index is the derivation index on the branch.
	Index uint32

	// Balance is the sum of unspent outputs paying the address.
	Balance btcutil.Amount

	// Transfers counts history records touching the address.
	Transfers int
}

// WalletState is the in-memory aggregate of everything discovered about the
// wallet: history records, unspent outputs, raw transactions, the chain tip
// and fee estimates.
//
// The state is deliberately unsynchronized.  It must be owned by a single
// goroutine, conventionally the one draining a Syncer's notification
// channel, which applies batches as they arrive.  Query methods never
// mutate and may be called freely from that same goroutine.
type WalletState struct {
	history map[historyKey]HistoryRecord
	utxos   map[wire.OutPoint]UtxoRecord
	txs     map[chainhash.Hash]*wire.MsgTx

	tip    ChainTip
	hasTip bool
	fees   FeeTiers

	// maxSeen tracks the highest derivation index observed per branch.
	maxSeen map[DerivationChain]uint32

	// nextChange is the first internal index not yet consumed by an
	// applied record or an explicit retirement.
	nextChange uint32
}

// NewWalletState returns an empty state ready to absorb sync batches.
func NewWalletState() *WalletState {
	return &WalletState{
		history: make(map[historyKey]HistoryRecord),
		utxos:   make(map[wire.OutPoint]UtxoRecord),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		maxSeen: make(map[DerivationChain]uint32),
	}
}

// ApplyHistory merges a batch of history records.  Records are keyed by
// (txid, address, index); a record arriving again under the same identity
// replaces the stored one, so a pending entry is superseded when its
// transaction confirms.
func (s *WalletState) ApplyHistory(recs []HistoryRecord) {
	for _, rec := range recs {
		key := historyKey{
			txid:    rec.TxID,
			address: rec.Address,
			index:   rec.Index,
		}
		s.history[key] = rec

		chain := ChainReceiving
		if rec.Class == ClassChange {
			chain = ChainChange
			if rec.Index+1 > s.nextChange {
				s.nextChange = rec.Index + 1
			}
		}
		if rec.Index > s.maxSeen[chain] {
			s.maxSeen[chain] = rec.Index
		}
	}
}

// ApplyUtxos merges a batch of unspent outputs keyed by outpoint.  Applying
// the same batch twice is a no-op.
func (s *WalletState) ApplyUtxos(recs []UtxoRecord) {
	for _, rec := range recs {
		s.utxos[rec.OutPoint()] = rec
		if rec.Change && rec.Index+1 > s.nextChange {
			s.nextChange = rec.Index + 1
		}
	}
}

// ApplyTransactions inserts fetched raw transactions into the transaction
// map, overwriting nothing of consequence since transactions are immutable.
func (s *WalletState) ApplyTransactions(txs map[chainhash.Hash]*wire.MsgTx) {
	for txid, tx := range txs {
		s.txs[txid] = tx
	}
}

// UpdateTip replaces the known chain tip.
func (s *WalletState) UpdateTip(tip ChainTip) {
	s.tip = tip
	s.hasTip = true
}

// UpdateFees replaces the fee estimates.
func (s *WalletState) UpdateFees(fees FeeTiers) {
	s.fees = fees
}

// RetireChangeIndex marks an internal index as consumed so a subsequent
// transaction build does not reuse it.  Callers invoke this after handing a
// constructed transaction off for signing, before the change output is
// observable on chain.
func (s *WalletState) RetireChangeIndex(index uint32) {
	if index+1 > s.nextChange {
		s.nextChange = index + 1
	}
}

// RetirePrevouts removes outputs chosen by a constructed transaction from
// the spendable set so a subsequent build cannot double-select them.  The
// next full sync re-adds any output whose spend never reached the chain.
func (s *WalletState) RetirePrevouts(outpoints []wire.OutPoint) {
	for _, op := range outpoints {
		delete(s.utxos, op)
	}
}

// Balance returns the sum of all unspent outputs.
func (s *WalletState) Balance() btcutil.Amount {
	var total btcutil.Amount
	for _, utxo := range s.utxos {
		total += utxo.Value
	}
	return total
}

// Utxos returns the unspent outputs ordered by height, then outpoint.
func (s *WalletState) Utxos() []UtxoRecord {
	utxos := make([]UtxoRecord, 0, len(s.utxos))
	for _, utxo := range s.utxos {
		utxos = append(utxos, utxo)
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Height != utxos[j].Height {
			return utxos[i].Height < utxos[j].Height
		}
		if cmp := bytes.Compare(utxos[i].TxID[:], utxos[j].TxID[:]); cmp != 0 {
			return cmp < 0
		}
		return utxos[i].Vout < utxos[j].Vout
	})
	return utxos
}

// Prevouts projects the unspent set into the shape consumed by coin
// selection, in the same order as Utxos.
func (s *WalletState) Prevouts() []Prevout {
	utxos := s.Utxos()
	prevouts := make([]Prevout, 0, len(utxos))
	for _, utxo := range utxos {
		prevouts = append(prevouts, Prevout{
			OutPoint: utxo.OutPoint(),
			Amount:   utxo.Value,
			Change:   utxo.Change,
			Index:    utxo.Index,
		})
	}
	return prevouts
}

// History returns all history records ordered by height, then txid, with
// unconfirmed records first.
func (s *WalletState) History() []HistoryRecord {
	recs := make([]HistoryRecord, 0, len(s.history))
	for _, rec := range s.history {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Height != recs[j].Height {
			return recs[i].Height < recs[j].Height
		}
		if cmp := bytes.Compare(recs[i].TxID[:], recs[j].TxID[:]); cmp != 0 {
			return cmp < 0
		}
		if recs[i].Address != recs[j].Address {
			return recs[i].Address < recs[j].Address
		}
		return recs[i].Index < recs[j].Index
	})
	return recs
}

// Transaction returns the raw transaction for a txid, if fetched.
func (s *WalletState) Transaction(txid chainhash.Hash) (*wire.MsgTx, bool) {
	tx, ok := s.txs[txid]
	return tx, ok
}

// TxCount returns the number of fetched raw transactions.
func (s *WalletState) TxCount() int {
	return len(s.txs)
}

// Tip returns the known chain tip.  The second return is false until the
// first LastBlock notification has been applied.
func (s *WalletState) Tip() (ChainTip, bool) {
	return s.tip, s.hasTip
}

// Fees returns the last applied fee estimates.
func (s *WalletState) Fees() FeeTiers {
	return s.fees
}

// NextFreeIndex returns the highest derivation index observed on the given
// branch, or zero when the branch is unused.
func (s *WalletState) NextFreeIndex(chain DerivationChain) uint32 {
	return s.maxSeen[chain]
}

// NextChangeIndex returns the internal index the next constructed
// transaction should pay change to.
func (s *WalletState) NextChangeIndex() uint32 {
	return s.nextChange
}

// AddressInfo returns a per-address usage rollup ordered by branch and
// index, covering every address appearing in history or the unspent set.
func (s *WalletState) AddressInfo() []AddressUsage {
	byAddr := make(map[string]*AddressUsage)

	add := func(addr string, chain DerivationChain, index uint32) *AddressUsage {
		usage, ok := byAddr[addr]
		if !ok {
			usage = &AddressUsage{
				Address: addr,
				Chain:   chain,
				Index:   index,
			}
			byAddr[addr] = usage
		}
		return usage
	}

	for _, rec := range s.history {
		chain := ChainReceiving
		if rec.Class == ClassChange {
			chain = ChainChange
		}
		add(rec.Address, chain, rec.Index).Transfers++
	}
	for _, utxo := range s.utxos {
		chain := ChainReceiving
		if utxo.Change {
			chain = ChainChange
		}
		add(utxo.Address, chain, utxo.Index).Balance += utxo.Value
	}

	infos := make([]AddressUsage, 0, len(byAddr))
	for _, usage := range byAddr {
		infos = append(infos, *usage)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Chain != infos[j].Chain {
			return infos[i].Chain < infos[j].Chain
		}
		if infos[i].Index != infos[j].Index {
			return infos[i].Index < infos[j].Index
		}
		return infos[i].Address < infos[j].Address
	})
	return infos
}
