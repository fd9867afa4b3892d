// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightninglabs/neutrino/cache"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	methodPing             = "server.ping"
	methodHeadersSubscribe = "blockchain.headers.subscribe"
	methodEstimateFee      = "blockchain.estimatefee"
	methodGetHistory       = "blockchain.scripthash.get_history"
	methodListUnspent      = "blockchain.scripthash.listunspent"
	methodGetTransaction   = "blockchain.transaction.get"
	methodBroadcast        = "blockchain.transaction.broadcast"
)

// HeaderNotification describes a chain tip announced by the server.
type HeaderNotification struct {
	Height int32
	Header wire.BlockHeader
}

// headerStatus is the raw wire form of a chain tip announcement.
type headerStatus struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

func (s *headerStatus) parse() (*HeaderNotification, error) {
	raw, err := hex.DecodeString(s.Hex)
	if err != nil {
		return nil, err
	}
	hn := &HeaderNotification{Height: s.Height}
	if err := hn.Header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return hn, nil
}

// scriptHashParam converts an output script to the parameter form used by
// all blockchain.scripthash methods: the hex encoding of the script's
// sha256 hash in reversed byte order.
func scriptHashParam(script []byte) string {
	hash := sha256.Sum256(script)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// Ping pings the server.  The pinger goroutine calls this on an interval,
// but it can also be used as an on-demand connectivity check.
func (c *Client) Ping() error {
	return c.Request(methodPing, nil, nil)
}

// SubscribeHeaders subscribes to chain tip notifications and returns the tip
// known to the server at subscription time.  Later announcements are queued
// internally and drained with PopHeader.
func (c *Client) SubscribeHeaders() (*HeaderNotification, error) {
	var status headerStatus
	if err := c.Request(methodHeadersSubscribe, nil, &status); err != nil {
		return nil, err
	}
	return status.parse()
}

// PopHeader returns the next queued chain tip notification, or nil when none
// is pending.  It never blocks.
func (c *Client) PopHeader() *HeaderNotification {
	c.headerMtx.Lock()
	defer c.headerMtx.Unlock()
	if len(c.headerQueue) == 0 {
		return nil
	}
	hn := c.headerQueue[0]
	c.headerQueue[0] = nil
	c.headerQueue = c.headerQueue[1:]
	return hn
}

// BatchEstimateFee queries fee estimates for the given confirmation targets,
// in blocks.  Results are in BTC per kilobyte as served; a server unable to
// produce an estimate reports a negative value, which is passed through for
// the caller to interpret.
func (c *Client) BatchEstimateFee(confTargets []uint32) ([]float64, error) {
	params := make([]interface{}, len(confTargets))
	for i, target := range confTargets {
		params[i] = positional{target}
	}
	raws, err := c.batchRequest(methodEstimateFee, params)
	if err != nil {
		return nil, err
	}

	fees := make([]float64, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &fees[i]); err != nil {
			return nil, fmt.Errorf("fee estimate %d: %w", i, err)
		}
	}
	return fees, nil
}

// HistoryResult is one entry of a script history query.
type HistoryResult struct {
	TxHash chainhash.Hash

	// Height is the confirmation height.  Servers report zero or a
	// negative value for mempool transactions.
	Height int32
}

// historyResult is the raw wire form of a HistoryResult.
type historyResult struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
}

// BatchScriptGetHistory queries the confirmed and mempool history of each
// output script.  The outer result slice matches the input script order.
func (c *Client) BatchScriptGetHistory(scripts [][]byte) ([][]HistoryResult, error) {
	params := make([]interface{}, len(scripts))
	for i, script := range scripts {
		params[i] = positional{scriptHashParam(script)}
	}
	raws, err := c.batchRequest(methodGetHistory, params)
	if err != nil {
		return nil, err
	}

	histories := make([][]HistoryResult, len(raws))
	for i, raw := range raws {
		var entries []historyResult
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("history %d: %w", i, err)
		}
		history := make([]HistoryResult, len(entries))
		for j, entry := range entries {
			txHash, err := chainhash.NewHashFromStr(entry.TxHash)
			if err != nil {
				return nil, fmt.Errorf("history %d: %w", i, err)
			}
			history[j] = HistoryResult{
				TxHash: *txHash,
				Height: entry.Height,
			}
		}
		histories[i] = history
	}
	return histories, nil
}

// UnspentResult is one entry of a script listunspent query.
type UnspentResult struct {
	TxHash chainhash.Hash

	// Height is the confirmation height, zero or negative for mempool
	// transactions.
	Height int32

	// TxPos is the output index within the funding transaction.
	TxPos uint32

	// Value is the output value in satoshis.
	Value int64
}

// unspentResult is the raw wire form of an UnspentResult.
type unspentResult struct {
	Height int32  `json:"height"`
	TxPos  uint32 `json:"tx_pos"`
	TxHash string `json:"tx_hash"`
	Value  int64  `json:"value"`
}

// BatchScriptListUnspent queries the unspent outputs paying to each output
// script.  The outer result slice matches the input script order.
func (c *Client) BatchScriptListUnspent(scripts [][]byte) ([][]UnspentResult, error) {
	params := make([]interface{}, len(scripts))
	for i, script := range scripts {
		params[i] = positional{scriptHashParam(script)}
	}
	raws, err := c.batchRequest(methodListUnspent, params)
	if err != nil {
		return nil, err
	}

	unspents := make([][]UnspentResult, len(raws))
	for i, raw := range raws {
		var entries []unspentResult
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("listunspent %d: %w", i, err)
		}
		utxos := make([]UnspentResult, len(entries))
		for j, entry := range entries {
			txHash, err := chainhash.NewHashFromStr(entry.TxHash)
			if err != nil {
				return nil, fmt.Errorf("listunspent %d: %w",
					i, err)
			}
			utxos[j] = UnspentResult{
				TxHash: *txHash,
				Height: entry.Height,
				TxPos:  entry.TxPos,
				Value:  entry.Value,
			}
		}
		unspents[i] = utxos
	}
	return unspents, nil
}

// BatchGetTransactions fetches the given transactions, returning them in
// the order requested.  Results are cached, so transactions already fetched
// by an earlier sync are served locally.
func (c *Client) BatchGetTransactions(txids []chainhash.Hash) ([]*wire.MsgTx, error) {
	txs := make([]*wire.MsgTx, len(txids))

	// Collect the subset the cache cannot serve.
	var missing []int
	for i, txid := range txids {
		entry, err := c.txCache.Get(txid)
		switch {
		case err == nil:
			txs[i] = entry.tx
		case errors.Is(err, cache.ErrElementNotFound):
			missing = append(missing, i)
		default:
			return nil, err
		}
	}
	if len(missing) == 0 {
		return txs, nil
	}

	params := make([]interface{}, len(missing))
	for i, idx := range missing {
		params[i] = positional{txids[idx].String()}
	}
	raws, err := c.batchRequest(methodGetTransaction, params)
	if err != nil {
		return nil, err
	}

	for i, raw := range raws {
		var txHex string
		if err := json.Unmarshal(raw, &txHex); err != nil {
			return nil, fmt.Errorf("transaction %v: %w",
				txids[missing[i]], err)
		}
		serialized, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, fmt.Errorf("transaction %v: %w",
				txids[missing[i]], err)
		}
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(serialized)); err != nil {
			return nil, fmt.Errorf("transaction %v: %w",
				txids[missing[i]], err)
		}

		// The server is untrusted; the payload must hash to the
		// requested txid.
		if tx.TxHash() != txids[missing[i]] {
			return nil, fmt.Errorf("server returned wrong "+
				"transaction for %v", txids[missing[i]])
		}

		txs[missing[i]] = tx
		if _, err := c.txCache.Put(txids[missing[i]], &cacheableTx{tx: tx}); err != nil {
			log.Debugf("Unable to cache transaction %v: %v",
				txids[missing[i]], err)
		}
	}
	return txs, nil
}

// Broadcast submits a finalized transaction to the network through the
// server and returns its txid.
func (c *Client) Broadcast(tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}

	var txidStr string
	err := c.Request(methodBroadcast,
		positional{hex.EncodeToString(buf.Bytes())}, &txidStr)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid broadcast "+
			"response %q: %w", txidStr, err)
	}
	if *txid != tx.TxHash() {
		return chainhash.Hash{}, fmt.Errorf("server reported txid %v "+
			"for transaction %v", txid, tx.TxHash())
	}
	return *txid, nil
}
