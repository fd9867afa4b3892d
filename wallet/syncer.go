// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/btcsuite/electrumwallet/electrum"
)

const (
	// defaultSyncInterval is the default period between chain tip polls.
	defaultSyncInterval = time.Minute

	// commandQueueSize bounds the number of commands waiting for the
	// worker.  Commands are handled strictly in order; the queue only
	// smooths bursts.
	commandQueueSize = 16

	// scanWindow is the number of consecutive addresses queried per scan
	// batch.  A window without any history ends the branch's scan, so
	// this is also the gap limit.
	scanWindow = 20

	// txBatchSize is the number of raw transactions fetched per request.
	txBatchSize = 20

	// btcPerKvB is the sat/vB value of a one BTC/kvB fee rate, used to
	// convert the server's estimatefee results.
	btcPerKvB = 1e5
)

var (
	// ErrSyncerStopped is returned when a command is issued to a syncer
	// that has been stopped.
	ErrSyncerStopped = errors.New("syncer has been stopped")

	// ErrEventChannelClosed is reported by Err when the notification
	// stream was torn down without a clean Stop, telling the consumer
	// the engine is gone rather than idle.
	ErrEventChannelClosed = errors.New("event channel closed")
)

// ChainSource is the subset of the Electrum client the wallet engine
// drives.  It exists so tests can substitute a scripted chain.
type ChainSource interface {
	// Addr returns the endpoint the source is connected to.
	Addr() string

	// SubscribeHeaders subscribes to chain tip changes and returns the
	// current tip.  Later tips are collected and handed out through
	// PopHeader.
	SubscribeHeaders() (*electrum.HeaderNotification, error)

	// PopHeader returns the next queued tip notification, or nil.
	PopHeader() *electrum.HeaderNotification

	// BatchEstimateFee estimates fee rates in BTC/kvB for the given
	// confirmation targets.
	BatchEstimateFee(confTargets []uint32) ([]float64, error)

	// BatchScriptGetHistory returns the confirmed and mempool history of
	// each script.
	BatchScriptGetHistory(scripts [][]byte) ([][]electrum.HistoryResult, error)

	// BatchScriptListUnspent returns the unspent outputs paying to each
	// script.
	BatchScriptListUnspent(scripts [][]byte) ([][]electrum.UnspentResult, error)

	// BatchGetTransactions fetches raw transactions by txid.
	BatchGetTransactions(txids []chainhash.Hash) ([]*wire.MsgTx, error)

	// Broadcast submits a signed transaction to the network.
	Broadcast(tx *wire.MsgTx) (chainhash.Hash, error)

	// Stop begins connection teardown.
	Stop()

	// WaitForShutdown blocks until the connection has torn down.
	WaitForShutdown()
}

// A compile-time check to ensure the Electrum client satisfies ChainSource.
var _ ChainSource = (*electrum.Client)(nil)

// DialFunc establishes a connection to the Electrum server at addr.
type DialFunc func(addr string) (ChainSource, error)

// SyncerConfig bundles everything a Syncer needs.
type SyncerConfig struct {
	// Descriptor derives the addresses to scan.
	Descriptor *Descriptor

	// Server is the initial host:port endpoint.
	Server string

	// Dial establishes server connections.
	Dial DialFunc

	// Ticker drives periodic tip polls between full syncs.  If nil, a
	// defaultSyncInterval ticker is used.  Tests inject a force ticker.
	Ticker ticker.Ticker
}

// syncCommand is the sealed set of worker commands.
type syncCommand interface {
	isSyncCommand()
}

// fullSyncCmd requests a complete rediscovery pass.
type fullSyncCmd struct{}

// pullTipCmd requests a poll of queued chain tip notifications.
type pullTipCmd struct{}

// updateServerCmd requests reconnection against a different endpoint.
type updateServerCmd struct {
	server string
}

func (fullSyncCmd) isSyncCommand()     {}
func (pullTipCmd) isSyncCommand()      {}
func (updateServerCmd) isSyncCommand() {}

// Syncer discovers a wallet's on-chain footprint against an Electrum server
// and reports everything it finds as an ordered stream of notifications.
//
// One worker goroutine owns the server connection and handles commands
// strictly in order.  A ticker goroutine schedules tip polls between full
// syncs.  Consumers read Notifications until the channel closes, then
// consult Err to distinguish a requested Stop from a broken engine.
type Syncer struct {
	cfg SyncerConfig

	// server is the current endpoint.  Only the worker touches it after
	// Start.
	server string

	clientMtx sync.Mutex
	client    ChainSource

	commands chan syncCommand

	enqueueNotification chan interface{}
	dequeueNotification chan interface{}

	errMtx sync.Mutex
	err    error

	started bool
	quit    chan struct{}
	quitMtx sync.Mutex
	wg      sync.WaitGroup
}

// NewSyncer creates a syncer for the given configuration.  Goroutines do
// not run until Start.
func NewSyncer(cfg *SyncerConfig) (*Syncer, error) {
	if cfg.Descriptor == nil {
		return nil, errors.New("missing descriptor")
	}
	if cfg.Server == "" {
		return nil, errors.New("missing server endpoint")
	}
	if cfg.Dial == nil {
		return nil, errors.New("missing dial function")
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(defaultSyncInterval)
	}

	return &Syncer{
		cfg:                 *cfg,
		server:              cfg.Server,
		commands:            make(chan syncCommand, commandQueueSize),
		enqueueNotification: make(chan interface{}),
		dequeueNotification: make(chan interface{}),
		quit:                make(chan struct{}),
	}, nil
}

// Start launches the worker, ticker and notification queue goroutines.  No
// connection is attempted until the first sync pass.
func (s *Syncer) Start() {
	s.quitMtx.Lock()
	s.started = true
	s.quitMtx.Unlock()

	s.wg.Add(3)
	go s.worker()
	go s.tipTicker()
	go s.handler()
}

// Stop signals all syncer goroutines to shut down and tears down the server
// connection.  It is safe to call more than once.
func (s *Syncer) Stop() {
	s.quitMtx.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
		s.stopClient()

		if !s.started {
			close(s.dequeueNotification)
		}
	}
	s.quitMtx.Unlock()
}

// WaitForShutdown blocks until all syncer goroutines have finished.
func (s *Syncer) WaitForShutdown() {
	s.wg.Wait()
}

// Notifications returns the ordered notification stream.  The channel is
// unbounded internally and must be continually read; it closes once the
// syncer has shut down.
func (s *Syncer) Notifications() <-chan interface{} {
	return s.dequeueNotification
}

// Err reports how the notification stream ended: nil after a requested
// Stop, ErrEventChannelClosed when the stream was torn down uncleanly.  Its
// result is meaningful once Notifications has closed.
func (s *Syncer) Err() error {
	s.errMtx.Lock()
	defer s.errMtx.Unlock()
	return s.err
}

func (s *Syncer) setErr(err error) {
	s.errMtx.Lock()
	s.err = err
	s.errMtx.Unlock()
}

// FullSync schedules a complete rediscovery pass behind any previously
// issued commands.
func (s *Syncer) FullSync() error {
	return s.command(fullSyncCmd{})
}

// PullTip schedules a poll of chain tip notifications collected since the
// last pass.
func (s *Syncer) PullTip() error {
	return s.command(pullTipCmd{})
}

// UpdateServer schedules reconnection against a different endpoint.  The
// switch itself does not rescan; callers wanting fresh state follow up with
// FullSync.  Commands queue strictly in order, so a FullSync issued before
// UpdateServer still runs against the old endpoint first.
func (s *Syncer) UpdateServer(server string) error {
	return s.command(updateServerCmd{server: server})
}

func (s *Syncer) command(cmd syncCommand) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.quit:
		return ErrSyncerStopped
	}
}

func (s *Syncer) clientRef() ChainSource {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	return s.client
}

func (s *Syncer) setClient(client ChainSource) {
	s.clientMtx.Lock()
	s.client = client
	s.clientMtx.Unlock()
}

// stopClient begins teardown of the current connection without waiting.
func (s *Syncer) stopClient() {
	s.clientMtx.Lock()
	client := s.client
	s.clientMtx.Unlock()

	if client != nil {
		client.Stop()
	}
}

// dropClient tears down the current connection and waits until it is gone.
// Only the worker calls this.
func (s *Syncer) dropClient() {
	s.clientMtx.Lock()
	client := s.client
	s.client = nil
	s.clientMtx.Unlock()

	if client != nil {
		client.Stop()
		client.WaitForShutdown()
	}
}

// emit queues a notification for the consumer.  A false return means
// shutdown began; the caller abandons whatever pass it is in.
func (s *Syncer) emit(n interface{}) bool {
	select {
	case s.enqueueNotification <- n:
		return true
	case <-s.quit:
		return false
	}
}

// fail reports a pass-abandoning error to the consumer.  The worker itself
// survives and handles the next command.
func (s *Syncer) fail(err error) {
	log.Errorf("Sync pass against %s abandoned: %v", s.server, err)
	s.emit(SyncError{Err: err})
}

// worker owns the server connection and executes commands one at a time in
// the order received.  A pass that panics still closes the notification
// stream, with Err reporting the unclean teardown.
func (s *Syncer) worker() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Criticalf("Sync worker panicked: %v", r)
			s.setErr(ErrEventChannelClosed)
		}
		s.Stop()
		s.dropClient()
	}()

	for {
		select {
		case cmd := <-s.commands:
			switch cmd := cmd.(type) {
			case fullSyncCmd:
				s.fullSync()
			case pullTipCmd:
				s.pullTip()
			case updateServerCmd:
				s.updateServer(cmd.server)
			}

		case <-s.quit:
			return
		}
	}
}

// tipTicker schedules a tip poll each interval.  Ticks are enqueued without
// blocking; a tick lost to a full queue is harmless since the next one
// carries the same request.
func (s *Syncer) tipTicker() {
	defer s.wg.Done()

	s.cfg.Ticker.Resume()
	defer s.cfg.Ticker.Stop()

	for {
		select {
		case <-s.cfg.Ticker.Ticks():
			select {
			case s.commands <- pullTipCmd{}:
			default:
				log.Debugf("Command queue full, skipping tip poll")
			}

		case <-s.quit:
			return
		}
	}
}

// handler maintains an ordered, unbounded queue between the worker and the
// consumer reading Notifications.
func (s *Syncer) handler() {
	var notifications []interface{}
	enqueue := s.enqueueNotification
	var dequeue chan interface{}
	var next interface{}
out:
	for {
		select {
		case n, ok := <-enqueue:
			if !ok {
				// If no notifications are queued for handling,
				// the queue is finished.
				if len(notifications) == 0 {
					break out
				}
				// nil channel so no more reads can occur.
				enqueue = nil
				continue
			}
			if len(notifications) == 0 {
				next = n
				dequeue = s.dequeueNotification
			}
			notifications = append(notifications, n)

		case dequeue <- next:
			notifications[0] = nil
			notifications = notifications[1:]
			if len(notifications) != 0 {
				next = notifications[0]
			} else {
				// If no more notifications can be enqueued, the
				// queue is finished.
				if enqueue == nil {
					break out
				}
				dequeue = nil
			}

		case <-s.quit:
			break out
		}
	}

	s.Stop()
	close(s.dequeueNotification)
	s.wg.Done()
}

// connect makes sure a server connection exists, emitting the connection
// lifecycle notifications.  A false return means the pass is over, either
// because the dial failed (reported as SyncError) or because shutdown
// began.
func (s *Syncer) connect() bool {
	if !s.emit(Connecting{}) {
		return false
	}
	if s.clientRef() == nil {
		log.Infof("Connecting to Electrum server %s", s.server)
		client, err := s.cfg.Dial(s.server)
		if err != nil {
			s.fail(err)
			return false
		}
		s.setClient(client)
	}
	return s.emit(Connected{})
}

// scanState carries the running batch counter and the set of discovered
// txids across both branch scans of one pass.
type scanState struct {
	batch uint32
	txids map[chainhash.Hash]struct{}
}

// fullSync performs one complete rediscovery pass: chain tip, fee
// estimates, the address scan of both branches, and the raw transaction
// fetch.  Every step reports its findings to the consumer before the next
// begins.
func (s *Syncer) fullSync() {
	if !s.connect() {
		return
	}
	client := s.clientRef()

	tip, err := client.SubscribeHeaders()
	if err != nil {
		s.fail(err)
		return
	}
	if !s.emit(LastBlock{Tip: tipFromHeader(tip)}) {
		return
	}

	estimates, err := client.BatchEstimateFee([]uint32{1, 2, 3})
	if err != nil {
		s.fail(err)
		return
	}
	if !s.emit(FeeEstimate{Fees: feeTiersFromEstimates(estimates)}) {
		return
	}

	scan := &scanState{txids: make(map[chainhash.Hash]struct{})}
	for _, chain := range []DerivationChain{ChainChange, ChainReceiving} {
		if !s.scanChain(client, chain, scan) {
			return
		}
	}

	if !s.fetchTransactions(client, scan.txids) {
		return
	}

	if s.emit(Complete{Server: s.server}) {
		log.Infof("Wallet synchronized against %s: %d scan %s, %d "+
			"transactions", s.server, scan.batch,
			pickNoun(int(scan.batch), "batch", "batches"),
			len(scan.txids))
	}
}

// scanChain walks one branch in windows of scanWindow addresses, reporting
// each window's history and unspent outputs.  The window's HistoryBatch is
// always emitted, even when empty, so the consumer observes every step; an
// empty window also ends the branch's scan.
func (s *Syncer) scanChain(client ChainSource, chain DerivationChain,
	scan *scanState) bool {

	class := ClassIncoming
	if chain == ChainChange {
		class = ClassChange
	}

	for offset := uint32(0); ; offset += scanWindow {
		addrs := make([]string, scanWindow)
		scripts := make([][]byte, scanWindow)
		for i := uint32(0); i < scanWindow; i++ {
			addr, err := s.cfg.Descriptor.Address(chain, offset+i)
			if err != nil {
				s.fail(err)
				return false
			}
			script, err := txscript.PayToAddrScript(addr)
			if err != nil {
				s.fail(err)
				return false
			}
			addrs[i] = addr.EncodeAddress()
			scripts[i] = script
		}

		histories, err := client.BatchScriptGetHistory(scripts)
		if err != nil {
			s.fail(err)
			return false
		}

		var recs []HistoryRecord
		for i, history := range histories {
			for _, item := range history {
				// The server reports unconfirmed heights as 0
				// or negative.
				height := item.Height
				if height <= 0 {
					height = -1
				}
				recs = append(recs, HistoryRecord{
					TxID:    item.TxHash,
					Height:  height,
					Address: addrs[i],
					Index:   offset + uint32(i),
					Class:   class,
				})
				scan.txids[item.TxHash] = struct{}{}
			}
		}

		if !s.emit(HistoryBatch{Records: recs, Batch: scan.batch}) {
			return false
		}
		scan.batch++

		// A window without history ends the branch.  There is nothing
		// to look up unspents for either.
		if len(recs) == 0 {
			log.Debugf("Scanned %v branch up to index %d", chain,
				offset+scanWindow-1)
			return true
		}

		unspents, err := client.BatchScriptListUnspent(scripts)
		if err != nil {
			s.fail(err)
			return false
		}

		var utxos []UtxoRecord
		for i, outputs := range unspents {
			for _, output := range outputs {
				height := output.Height
				if height < 0 {
					height = 0
				}
				utxos = append(utxos, UtxoRecord{
					TxID:    output.TxHash,
					Height:  height,
					Vout:    output.TxPos,
					Value:   btcutil.Amount(output.Value),
					Address: addrs[i],
					Index:   offset + uint32(i),
					Change:  chain == ChainChange,
				})
			}
		}

		if !s.emit(UtxoBatch{Records: utxos, Batch: scan.batch}) {
			return false
		}
		scan.batch++
	}
}

// fetchTransactions retrieves the discovered transactions in chunks,
// reporting monotone progress that reaches 1.0 with the final chunk.  A
// pass that discovered nothing emits no TxBatch at all.
func (s *Syncer) fetchTransactions(client ChainSource,
	txids map[chainhash.Hash]struct{}) bool {

	if len(txids) == 0 {
		return true
	}

	all := make([]chainhash.Hash, 0, len(txids))
	for txid := range txids {
		all = append(all, txid)
	}
	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i][:], all[j][:]) < 0
	})

	total := len(all)
	fetched := 0
	for start := 0; start < total; start += txBatchSize {
		end := start + txBatchSize
		if end > total {
			end = total
		}
		chunk := all[start:end]

		txs, err := client.BatchGetTransactions(chunk)
		if err != nil {
			s.fail(err)
			return false
		}

		batch := make(map[chainhash.Hash]*wire.MsgTx, len(chunk))
		for i, tx := range txs {
			batch[chunk[i]] = tx
		}

		fetched += len(chunk)
		progress := float64(fetched) / float64(total)
		if !s.emit(TxBatch{Txs: batch, Progress: progress}) {
			return false
		}
	}
	return true
}

// pullTip hands queued chain tip notifications to the consumer.  Without a
// connection there is nothing to poll.
func (s *Syncer) pullTip() {
	client := s.clientRef()
	if client == nil {
		return
	}
	for header := client.PopHeader(); header != nil; header = client.PopHeader() {
		log.Debugf("New chain tip at height %d", header.Height)
		if !s.emit(LastBlockUpdate{Tip: tipFromHeader(header)}) {
			return
		}
	}
}

// updateServer switches the connection to a different endpoint.  The old
// connection is torn down first; the new one is dialed immediately so the
// consumer learns right away whether the endpoint works.
func (s *Syncer) updateServer(server string) {
	log.Infof("Switching Electrum server from %s to %s", s.server, server)
	s.dropClient()
	s.server = server
	s.connect()
}

// tipFromHeader converts a headers subscription result into a ChainTip.
func tipFromHeader(hn *electrum.HeaderNotification) ChainTip {
	return ChainTip{
		Height:    hn.Height,
		Hash:      hn.Header.BlockHash(),
		Timestamp: hn.Header.Timestamp,
	}
}

// feeTiersFromEstimates converts estimatefee results in BTC/kvB for the 1,
// 2 and 3 block targets into sat/vB tiers.  Servers report -1 when they
// have no estimate; those tiers become zero.
func feeTiersFromEstimates(estimates []float64) FeeTiers {
	rate := func(i int) float64 {
		if i >= len(estimates) || estimates[i] <= 0 {
			return 0
		}
		return estimates[i] * btcPerKvB
	}
	return FeeTiers{Fast: rate(0), Medium: rate(1), Slow: rate(2)}
}
