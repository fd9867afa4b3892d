// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/electrumwallet/electrum"
)

// testAccountXpub is the account-level key of the BIP 86 reference vectors
// (m/86'/0'/0').  The scan tests only need a valid key to derive addresses
// from, so the same account serves every descriptor class.
const testAccountXpub = "xpub6BgBgsespWvERF3LHQu6CnqdvfEvtMcQjYrcRzx53QJj" +
	"Sxarj2afYWcLteoGVky7D3UKDP9QyrLprQ3VCECoY49yfdDEHGCtMMj92pReUsQ"

// testDescriptor derives a watch-only descriptor for tests.
func testDescriptor(t *testing.T, class DescriptorClass) *Descriptor {
	t.Helper()

	desc, err := NewDescriptor(class, testAccountXpub,
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	return desc
}

// testHeader builds a headers subscription result for an arbitrary chain
// tip at the given height.
func testHeader(height int32) *electrum.HeaderNotification {
	return &electrum.HeaderNotification{
		Height: height,
		Header: wire.BlockHeader{
			Version:   2,
			Timestamp: time.Unix(1650000000+int64(height), 0),
			Bits:      0x1d00ffff,
			Nonce:     uint32(height),
		},
	}
}

// mockChain is a scripted ChainSource.  Fixtures are keyed by output
// script, which the tests derive from the same descriptor the syncer
// scans.
type mockChain struct {
	mu sync.Mutex

	addr    string
	tip     *electrum.HeaderNotification
	queued  []*electrum.HeaderNotification
	fees    []float64
	history map[string][]electrum.HistoryResult
	unspent map[string][]electrum.UnspentResult
	txs     map[chainhash.Hash]*wire.MsgTx

	subErr  error
	feeErr  error
	histErr error

	stopped bool
}

var _ ChainSource = (*mockChain)(nil)

func newMockChain(addr string, tipHeight int32) *mockChain {
	return &mockChain{
		addr:    addr,
		tip:     testHeader(tipHeight),
		fees:    []float64{0.0001, 0.0002, -1},
		history: make(map[string][]electrum.HistoryResult),
		unspent: make(map[string][]electrum.UnspentResult),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
	}
}

func (m *mockChain) Addr() string {
	return m.addr
}

func (m *mockChain) SubscribeHeaders() (*electrum.HeaderNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return nil, m.subErr
	}
	return m.tip, nil
}

func (m *mockChain) PopHeader() *electrum.HeaderNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queued) == 0 {
		return nil
	}
	hn := m.queued[0]
	m.queued = m.queued[1:]
	return hn
}

func (m *mockChain) BatchEstimateFee(confTargets []uint32) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeErr != nil {
		return nil, m.feeErr
	}
	return m.fees[:len(confTargets)], nil
}

func (m *mockChain) BatchScriptGetHistory(
	scripts [][]byte) ([][]electrum.HistoryResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.histErr != nil {
		return nil, m.histErr
	}
	results := make([][]electrum.HistoryResult, len(scripts))
	for i, script := range scripts {
		results[i] = m.history[string(script)]
	}
	return results, nil
}

func (m *mockChain) BatchScriptListUnspent(
	scripts [][]byte) ([][]electrum.UnspentResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([][]electrum.UnspentResult, len(scripts))
	for i, script := range scripts {
		results[i] = m.unspent[string(script)]
	}
	return results, nil
}

func (m *mockChain) BatchGetTransactions(
	txids []chainhash.Hash) ([]*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	txs := make([]*wire.MsgTx, len(txids))
	for i, txid := range txids {
		tx, ok := m.txs[txid]
		if !ok {
			return nil, errors.New("unknown transaction")
		}
		txs[i] = tx
	}
	return txs, nil
}

func (m *mockChain) Broadcast(tx *wire.MsgTx) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := tx.TxHash()
	m.txs[txid] = tx
	return txid, nil
}

func (m *mockChain) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockChain) WaitForShutdown() {}

func (m *mockChain) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// syncerHarness drives a Syncer against scripted mock chains.
type syncerHarness struct {
	t *testing.T

	desc   *Descriptor
	syncer *Syncer
	ticker *ticker.Force

	dialMtx sync.Mutex
	chains  map[string]*mockChain
	dialed  []string
	dialErr error
}

func newSyncerHarness(t *testing.T, server string) *syncerHarness {
	t.Helper()

	h := &syncerHarness{
		t:      t,
		desc:   testDescriptor(t, P2WPKH),
		ticker: ticker.NewForce(time.Hour),
		chains: map[string]*mockChain{
			server: newMockChain(server, 845000),
		},
	}

	var err error
	h.syncer, err = NewSyncer(&SyncerConfig{
		Descriptor: h.desc,
		Server:     server,
		Dial:       h.dial,
		Ticker:     h.ticker,
	})
	require.NoError(t, err)

	h.syncer.Start()
	t.Cleanup(func() {
		h.syncer.Stop()
		h.syncer.WaitForShutdown()
	})

	return h
}

func (h *syncerHarness) dial(addr string) (ChainSource, error) {
	h.dialMtx.Lock()
	defer h.dialMtx.Unlock()

	h.dialed = append(h.dialed, addr)
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	chain, ok := h.chains[addr]
	if !ok {
		return nil, errors.New("no mock chain for " + addr)
	}
	return chain, nil
}

// chain returns the scripted chain registered for a server.
func (h *syncerHarness) chain(server string) *mockChain {
	h.dialMtx.Lock()
	defer h.dialMtx.Unlock()
	return h.chains[server]
}

// addHistory registers a history item for the descriptor address at the
// given branch and index, returning the script fixtures are keyed by.
func (h *syncerHarness) addHistory(chain DerivationChain, index uint32,
	item electrum.HistoryResult, server string) {

	h.t.Helper()

	script, err := h.desc.Script(chain, index)
	require.NoError(h.t, err)

	mc := h.chain(server)
	mc.mu.Lock()
	mc.history[string(script)] = append(mc.history[string(script)], item)
	mc.mu.Unlock()
}

// addUnspent registers an unspent output for the descriptor address at the
// given branch and index.
func (h *syncerHarness) addUnspent(chain DerivationChain, index uint32,
	item electrum.UnspentResult, server string) {

	h.t.Helper()

	script, err := h.desc.Script(chain, index)
	require.NoError(h.t, err)

	mc := h.chain(server)
	mc.mu.Lock()
	mc.unspent[string(script)] = append(mc.unspent[string(script)], item)
	mc.mu.Unlock()
}

// next reads one notification from the stream.
func (h *syncerHarness) next() interface{} {
	h.t.Helper()

	select {
	case n, ok := <-h.syncer.Notifications():
		require.True(h.t, ok, "notification stream closed")
		return n
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for notification")
		return nil
	}
}

// assertNext reads one notification and requires it to equal the expected
// one.
func (h *syncerHarness) assertNext(expected interface{}) {
	h.t.Helper()
	require.Equal(h.t, expected, h.next())
}

// assertClosed requires the notification stream to close.
func (h *syncerHarness) assertClosed() {
	h.t.Helper()

	for {
		select {
		case _, ok := <-h.syncer.Notifications():
			if !ok {
				return
			}
		case <-time.After(5 * time.Second):
			h.t.Fatal("notification stream did not close")
		}
	}
}

// TestSyncerEmptyWallet checks the full notification sequence of a pass
// over an account with no on-chain footprint: one empty terminal history
// batch per branch, no unspent or transaction batches, and completion.
func TestSyncerEmptyWallet(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(server).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: server})
}

// TestSyncerDiscovery checks a pass over an account with history on the
// receiving branch: batch numbering shared across history and unspent
// batches, height normalization, and the transaction fetch.
func TestSyncerDiscovery(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	txid := chainhash.HashH([]byte("funding"))
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(50000, []byte{0x51}))
	h.chain(server).txs[txid] = tx

	// A mempool history item (height 0) and a confirmed unspent output
	// with a pathological negative height.
	h.addHistory(ChainReceiving, 0,
		electrum.HistoryResult{TxHash: txid, Height: 0}, server)
	h.addUnspent(ChainReceiving, 0, electrum.UnspentResult{
		TxHash: txid,
		Height: -3,
		TxPos:  1,
		Value:  50000,
	}, server)

	addr, err := h.desc.Address(ChainReceiving, 0)
	require.NoError(t, err)

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(server).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})

	// Change branch: one empty window ends it.
	h.assertNext(HistoryBatch{Batch: 0})

	// Receiving branch: the discovered window, its unspent outputs, and
	// the empty window ending the branch.
	h.assertNext(HistoryBatch{
		Records: []HistoryRecord{{
			TxID:    txid,
			Height:  -1,
			Address: addr.EncodeAddress(),
			Index:   0,
			Class:   ClassIncoming,
		}},
		Batch: 1,
	})
	h.assertNext(UtxoBatch{
		Records: []UtxoRecord{{
			TxID:    txid,
			Height:  0,
			Vout:    1,
			Value:   50000,
			Address: addr.EncodeAddress(),
			Index:   0,
			Change:  false,
		}},
		Batch: 2,
	})
	h.assertNext(HistoryBatch{Batch: 3})

	h.assertNext(TxBatch{
		Txs:      map[chainhash.Hash]*wire.MsgTx{txid: tx},
		Progress: 1.0,
	})
	h.assertNext(Complete{Server: server})
}

// TestSyncerChangeCursor checks that a change-branch discovery is scanned
// before the receiving branch and classified as change.
func TestSyncerChangeCursor(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	txid := chainhash.HashH([]byte("spend with change"))
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(12345, []byte{0x51}))
	h.chain(server).txs[txid] = tx

	h.addHistory(ChainChange, 3,
		electrum.HistoryResult{TxHash: txid, Height: 845000}, server)

	addr, err := h.desc.Address(ChainChange, 3)
	require.NoError(t, err)

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(server).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})

	h.assertNext(HistoryBatch{
		Records: []HistoryRecord{{
			TxID:    txid,
			Height:  845000,
			Address: addr.EncodeAddress(),
			Index:   3,
			Class:   ClassChange,
		}},
		Batch: 0,
	})
	h.assertNext(UtxoBatch{Batch: 1})
	h.assertNext(HistoryBatch{Batch: 2})

	// Receiving branch is empty.
	h.assertNext(HistoryBatch{Batch: 3})

	h.assertNext(TxBatch{
		Txs:      map[chainhash.Hash]*wire.MsgTx{txid: tx},
		Progress: 1.0,
	})
	h.assertNext(Complete{Server: server})
}

// TestSyncerPassError checks that a failing pass is abandoned and reported
// without killing the worker: a later pass succeeds.
func TestSyncerPassError(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	errFees := errors.New("fee estimator down")
	mc := h.chain(server)
	mc.mu.Lock()
	mc.feeErr = errFees
	mc.mu.Unlock()

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(mc.tip)})
	h.assertNext(SyncError{Err: errFees})

	mc.mu.Lock()
	mc.feeErr = nil
	mc.mu.Unlock()

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(mc.tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: server})
}

// TestSyncerDialFailure checks that an unreachable server is reported as a
// sync error and that no connection is retained.
func TestSyncerDialFailure(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	errDial := errors.New("connection refused")
	h.dialMtx.Lock()
	h.dialErr = errDial
	h.dialMtx.Unlock()

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(SyncError{Err: errDial})

	// With the endpoint reachable again the next pass succeeds.
	h.dialMtx.Lock()
	h.dialErr = nil
	h.dialMtx.Unlock()

	require.NoError(t, h.syncer.FullSync())

	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(server).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: server})
}

// TestSyncerUpdateServer checks that commands run strictly in order and
// that switching servers tears down the old connection, reconnects, and
// leaves later passes running against the new endpoint.
func TestSyncerUpdateServer(t *testing.T) {
	t.Parallel()

	const (
		alpha = "alpha.example.com:50002"
		beta  = "beta.example.com:50002"
	)
	h := newSyncerHarness(t, alpha)
	h.dialMtx.Lock()
	h.chains[beta] = newMockChain(beta, 845100)
	h.dialMtx.Unlock()

	require.NoError(t, h.syncer.FullSync())
	require.NoError(t, h.syncer.UpdateServer(beta))
	require.NoError(t, h.syncer.FullSync())

	// First pass completes against alpha before the switch is handled.
	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(alpha).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: alpha})

	// The switch reconnects eagerly.
	h.assertNext(Connecting{})
	h.assertNext(Connected{})

	// Second pass runs against beta.
	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(beta).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: beta})

	require.True(t, h.chain(alpha).isStopped())

	h.dialMtx.Lock()
	dialed := append([]string(nil), h.dialed...)
	h.dialMtx.Unlock()
	require.Equal(t, []string{alpha, beta}, dialed)
}

// TestSyncerTipPoll checks that ticker ticks surface queued chain tip
// notifications as LastBlockUpdate events, in order.
func TestSyncerTipPoll(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	require.NoError(t, h.syncer.FullSync())
	h.assertNext(Connecting{})
	h.assertNext(Connected{})
	h.assertNext(LastBlock{Tip: tipFromHeader(h.chain(server).tip)})
	h.assertNext(FeeEstimate{Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0}})
	h.assertNext(HistoryBatch{Batch: 0})
	h.assertNext(HistoryBatch{Batch: 1})
	h.assertNext(Complete{Server: server})

	h2 := testHeader(845001)
	h3 := testHeader(845002)
	mc := h.chain(server)
	mc.mu.Lock()
	mc.queued = []*electrum.HeaderNotification{h2, h3}
	mc.mu.Unlock()

	h.ticker.Force <- time.Now()

	h.assertNext(LastBlockUpdate{Tip: tipFromHeader(h2)})
	h.assertNext(LastBlockUpdate{Tip: tipFromHeader(h3)})
}

// TestSyncerStop checks clean shutdown: the notification stream closes,
// Err reports nil, and commands issued afterwards fail with
// ErrSyncerStopped.
func TestSyncerStop(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	h.syncer.Stop()
	h.syncer.WaitForShutdown()

	h.assertClosed()
	require.NoError(t, h.syncer.Err())
	require.ErrorIs(t, h.syncer.FullSync(), ErrSyncerStopped)
	require.ErrorIs(t, h.syncer.PullTip(), ErrSyncerStopped)
}

// TestSyncerStopMidPass checks that stopping during a pass abandons it
// cleanly even when the consumer stops reading.
func TestSyncerStopMidPass(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"
	h := newSyncerHarness(t, server)

	require.NoError(t, h.syncer.FullSync())
	h.assertNext(Connecting{})

	// Stop without draining the rest of the pass.
	h.syncer.Stop()

	done := make(chan struct{})
	go func() {
		h.syncer.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("syncer did not shut down")
	}

	h.assertClosed()
	require.NoError(t, h.syncer.Err())
	require.True(t, h.chain(server).isStopped())
}

// TestSyncerConnectionReuse checks that the worker dials the server once
// and reuses the connection across passes, releasing it only at shutdown.
func TestSyncerConnectionReuse(t *testing.T) {
	t.Parallel()

	const server = "alpha.example.com:50002"

	hdr := testHeader(845000)
	chain := &mockChainSource{}
	chain.On("SubscribeHeaders").Return(hdr, nil).Twice()
	chain.On("BatchEstimateFee", []uint32{1, 2, 3}).
		Return([]float64{0.0001, 0.0002, -1}, nil).Twice()
	chain.On("BatchScriptGetHistory", mock.Anything).
		Return(make([][]electrum.HistoryResult, scanWindow), nil).
		Times(4)

	// Shutdown stops the client eagerly from Stop and once more from the
	// worker teardown, then waits for it exactly once.
	chain.On("Stop").Return().Twice()
	chain.On("WaitForShutdown").Return().Once()

	// Dial runs on the worker goroutine only, and the final read below is
	// ordered after it by WaitForShutdown.
	dials := 0
	s, err := NewSyncer(&SyncerConfig{
		Descriptor: testDescriptor(t, P2WPKH),
		Server:     server,
		Dial: func(addr string) (ChainSource, error) {
			dials++
			return chain, nil
		},
		Ticker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)
	s.Start()

	assertNext := func(expected interface{}) {
		t.Helper()
		select {
		case n, ok := <-s.Notifications():
			require.True(t, ok, "notification stream closed")
			require.Equal(t, expected, n)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}

	require.NoError(t, s.FullSync())
	require.NoError(t, s.FullSync())

	for i := 0; i < 2; i++ {
		assertNext(Connecting{})
		assertNext(Connected{})
		assertNext(LastBlock{Tip: tipFromHeader(hdr)})
		assertNext(FeeEstimate{
			Fees: FeeTiers{Fast: 10, Medium: 20, Slow: 0},
		})
		assertNext(HistoryBatch{Batch: 0})
		assertNext(HistoryBatch{Batch: 1})
		assertNext(Complete{Server: server})
	}

	s.Stop()
	s.WaitForShutdown()

	require.Equal(t, 1, dials)
	chain.AssertExpectations(t)
}
