// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements a client for the Electrum wallet protocol
// spoken by ElectrumX, electrs, and Fulcrum servers.  Only the subset of
// methods required for watch-only wallet synchronization is implemented.
// For the protocol itself, see
// https://electrumx.readthedocs.io/en/latest/protocol-methods.html.
package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/go-socks/socks"
	"github.com/lightninglabs/neutrino/cache/lru"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultConnectTimeout bounds dialing and protocol negotiation with a
	// new server.  A server that cannot complete the handshake within this
	// window is reported unavailable.
	defaultConnectTimeout = 5 * time.Second

	// defaultRequestTimeout bounds a single outstanding call, including
	// the large batched queries issued during a full sync.
	defaultRequestTimeout = 30 * time.Second

	// defaultTxCacheSize is the byte budget of the transaction cache.
	// Transactions are immutable, so cached entries never expire on
	// their own and periodic re-syncs skip refetching them.
	defaultTxCacheSize = 2 * 1024 * 1024

	// pingInterval is how often server.ping is sent to keep the
	// connection alive while the wallet sits between sync intervals.
	pingInterval = 10 * time.Second

	// writeTimeout bounds a single message write.
	writeTimeout = 10 * time.Second

	// clientName and protocolVersion are announced during server.version
	// negotiation.
	clientName      = "electrumwallet"
	protocolVersion = "1.4"
)

const newline = byte('\n')

var (
	// ErrShutdown is returned by calls made on a client that was shut
	// down, either explicitly or by a connection failure.
	ErrShutdown = errors.New("client shut down")

	// ErrTimeout is returned when the server does not answer a call
	// within the request timeout.
	ErrTimeout = errors.New("request timed out")
)

// ConnectOpts holds the optional parameters of Dial.
type ConnectOpts struct {
	// TLSConfig enables SSL transport when non-nil.  Electrum servers
	// almost universally present self-signed certificates, so callers
	// typically disable chain verification; the server is untrusted for
	// consensus data either way.
	TLSConfig *tls.Config

	// Proxy optionally routes the connection through a SOCKS5 proxy,
	// commonly a local Tor daemon, given as host:port.
	Proxy string

	// ConnectTimeout overrides the 5 second default when positive.
	ConnectTimeout time.Duration

	// RequestTimeout overrides the 30 second default when positive.
	RequestTimeout time.Duration

	// TxCacheSize overrides the default transaction cache byte budget
	// when positive.
	TxCacheSize uint64
}

// pendingRequest tracks an in-flight call.  Exactly one of single or batch
// is set.  Batch members share one collector and record their slot in it.
type pendingRequest struct {
	single chan *response
	batch  *batchCollector
	pos    int
}

// batchCollector accumulates the responses of one batched call.  It is only
// touched by the read loop after registration, so it needs no locking; the
// issuing goroutine reads results after done is closed.
type batchCollector struct {
	results   []*response
	remaining int
	aborted   bool
	done      chan struct{}
}

func newBatchCollector(n int) *batchCollector {
	return &batchCollector{
		results:   make([]*response, n),
		remaining: n,
		done:      make(chan struct{}),
	}
}

func (b *batchCollector) put(pos int, resp *response) {
	if b.aborted || b.results[pos] != nil {
		return
	}
	b.results[pos] = resp
	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
}

func (b *batchCollector) abort() {
	if b.aborted || b.remaining == 0 {
		return
	}
	b.aborted = true
	close(b.done)
}

// Client maintains a connection to a single Electrum server.  It is a single
// use type: once the connection is lost or Stop is called, a replacement
// must be dialed.  All exported methods are safe for concurrent use, though
// the sync engine issues wallet queries from one goroutine only.
type Client struct {
	conn  net.Conn
	addr  string
	proto string
	sware string

	requestTimeout time.Duration

	reqID uint64 // to be used atomically

	pendingMtx sync.Mutex
	pending    map[uint64]*pendingRequest

	// headerQueue accumulates chain tip notifications in arrival order
	// for non-blocking retrieval via PopHeader.
	headerMtx   sync.Mutex
	headerQueue []*HeaderNotification

	txCache *lru.Cache[chainhash.Hash, *cacheableTx]

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// Dial connects to the Electrum server at addr, negotiates the protocol
// version, and starts the message handling goroutines.  The returned client
// is ready for use.  Connection or negotiation failure within the connect
// timeout is reported as an error; the server is then considered
// unavailable.
func Dial(addr string, opts *ConnectOpts) (*Client, error) {
	if opts == nil {
		opts = &ConnectOpts{}
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	cacheSize := opts.TxCacheSize
	if cacheSize == 0 {
		cacheSize = defaultTxCacheSize
	}

	dial := net.DialTimeout
	if opts.Proxy != "" {
		proxy := &socks.Proxy{Addr: opts.Proxy}
		dial = func(network, addr string, _ time.Duration) (net.Conn, error) {
			// The proxy dialer has no deadline support of its
			// own; the handshake deadline below still bounds the
			// total connect time.
			return proxy.Dial(network, addr)
		}
	}

	conn, err := dial("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to reach %s: %w", addr, err)
	}

	if opts.TLSConfig != nil {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.SetDeadline(time.Now().Add(connectTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w",
				addr, err)
		}
		conn = tlsConn
	}

	c := &Client{
		conn:           conn,
		addr:           addr,
		requestTimeout: requestTimeout,
		pending:        make(map[uint64]*pendingRequest),
		txCache:        lru.NewCache[chainhash.Hash, *cacheableTx](cacheSize),
		quit:           make(chan struct{}),
	}

	// Negotiate the protocol version before the read loop starts, using a
	// bare read with the connect deadline still in force.
	if err := c.negotiateVersion(connectTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("version negotiation with %s: %w",
			addr, err)
	}

	log.Infof("Connected to Electrum server %s (%s, protocol %s)",
		addr, c.sware, c.proto)

	// The pinger refreshes this deadline on every round.
	if err := conn.SetReadDeadline(time.Now().Add(pingInterval * 5 / 4)); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.listen()
	go c.pinger()

	return c, nil
}

// negotiateVersion performs the server.version exchange.  It must run before
// the read loop owns the connection.
func (c *Client) negotiateVersion(timeout time.Duration) error {
	msg, err := prepareRequest(c.nextID(), "server.version",
		positional{clientName, protocolVersion})
	if err != nil {
		return err
	}
	if err := c.send(append(msg, newline)); err != nil {
		return err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	reader := bufio.NewReader(c.conn)
	raw, err := reader.ReadBytes(newline)
	if err != nil {
		return err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}

	// The result is a [software, protocol] pair.
	var vers []string
	if err := json.Unmarshal(resp.Result, &vers); err != nil {
		return err
	}
	if len(vers) != 2 {
		return fmt.Errorf("unexpected version response: %v", vers)
	}
	c.sware, c.proto = vers[0], vers[1]
	return nil
}

// Addr returns the server address the client was dialed with.
func (c *Client) Addr() string {
	return c.addr
}

// Proto returns the negotiated protocol version, e.g. "1.4.2".
func (c *Client) Proto() string {
	return c.proto
}

// Stop shuts the client down.  It is safe to call multiple times and
// unblocks all outstanding calls with ErrShutdown.
func (c *Client) Stop() {
	c.quitMtx.Lock()
	select {
	case <-c.quit:
	default:
		close(c.quit)
		c.conn.Close()
	}
	c.quitMtx.Unlock()
}

// WaitForShutdown blocks until the handling goroutines have exited.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

func (c *Client) send(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(msg)
	return err
}

// listen is the sole reader of the connection.  It dispatches call
// responses, batch responses, and server notifications.  On exit every
// pending call is unblocked.
func (c *Client) listen() {
	defer c.wg.Done()
	defer c.cancelPending()

	reader := bufio.NewReader(c.conn)
	for {
		raw, err := reader.ReadBytes(newline)
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Unable to read message from %s: %v",
					c.addr, err)
				c.Stop()
			}
			return
		}

		msg := bytes.TrimSpace(raw)
		if len(msg) == 0 {
			continue
		}

		// A batch of requests is answered with a single array frame.
		if msg[0] == '[' {
			var resps []response
			if err := json.Unmarshal(msg, &resps); err != nil {
				log.Warnf("Invalid batch response from %s: %v",
					c.addr, err)
				continue
			}
			for i := range resps {
				c.deliver(&resps[i])
			}
			continue
		}

		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Warnf("Invalid response from %s: %v", c.addr, err)
			continue
		}
		if resp.Method != "" {
			c.handleNotification(resp.Method, msg)
			continue
		}
		c.deliver(&resp)
	}
}

// deliver routes a response to its registered requester, if any.
func (c *Client) deliver(resp *response) {
	c.pendingMtx.Lock()
	req, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMtx.Unlock()

	if !ok {
		log.Debugf("Received response for unknown request id %d",
			resp.ID)
		return
	}
	if req.single != nil {
		req.single <- resp // buffered, single use
		return
	}
	req.batch.put(req.pos, resp)
}

// handleNotification dispatches a server notification.  Only chain tip
// announcements are of interest; anything else is dropped.
func (c *Client) handleNotification(method string, msg []byte) {
	if method != methodHeadersSubscribe {
		log.Debugf("Ignoring notification for method %s", method)
		return
	}

	var data ntfnData
	if err := json.Unmarshal(msg, &data); err != nil {
		log.Warnf("Invalid header notification: %v", err)
		return
	}
	// The params field is a slice of status objects, usually one.
	var statuses []*headerStatus
	if err := json.Unmarshal(data.Params, &statuses); err != nil {
		log.Warnf("Invalid header notification params: %v", err)
		return
	}
	for _, status := range statuses {
		hn, err := status.parse()
		if err != nil {
			log.Warnf("Unable to parse header at height %d: %v",
				status.Height, err)
			continue
		}
		c.headerMtx.Lock()
		c.headerQueue = append(c.headerQueue, hn)
		c.headerMtx.Unlock()
	}
}

// pinger keeps the connection alive and enforces a rolling read deadline so
// a dead peer is detected even while the wallet idles between syncs.
func (c *Client) pinger() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		err := c.conn.SetReadDeadline(time.Now().Add(pingInterval * 5 / 4))
		if err != nil {
			c.Stop()
			return
		}
		if err := c.Ping(); err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Keep-alive ping to %s failed: %v",
					c.addr, err)
				c.Stop()
			}
			return
		}

		select {
		case <-c.quit:
			return
		case <-ticker.C:
		}
	}
}

// cancelPending unblocks every outstanding call after the read loop exits.
// Single calls observe a closed channel; batch members are aborted.
func (c *Client) cancelPending() {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()
	for id, req := range c.pending {
		if req.single != nil {
			close(req.single)
		} else {
			req.batch.abort()
		}
		delete(c.pending, id)
	}
}

func (c *Client) registerRequest(id uint64) chan *response {
	ch := make(chan *response, 1)
	c.pendingMtx.Lock()
	c.pending[id] = &pendingRequest{single: ch}
	c.pendingMtx.Unlock()
	return ch
}

func (c *Client) registerBatch(ids []uint64) *batchCollector {
	col := newBatchCollector(len(ids))
	c.pendingMtx.Lock()
	for pos, id := range ids {
		c.pending[id] = &pendingRequest{batch: col, pos: pos}
	}
	c.pendingMtx.Unlock()
	return col
}

func (c *Client) forgetRequests(ids ...uint64) {
	c.pendingMtx.Lock()
	for _, id := range ids {
		delete(c.pending, id)
	}
	c.pendingMtx.Unlock()
}

// Request performs a single call and unmarshals the result into result
// unless it is nil.  args may be positional (a slice), named (a struct), or
// nil.  A server-reported failure is returned as an *RPCError.
func (c *Client) Request(method string, args, result interface{}) error {
	select {
	case <-c.quit:
		return ErrShutdown
	default:
	}

	id := c.nextID()
	msg, err := prepareRequest(id, method, args)
	if err != nil {
		return err
	}

	ch := c.registerRequest(id)
	if err := c.send(append(msg, newline)); err != nil {
		c.forgetRequests(id)
		c.Stop()
		return fmt.Errorf("unable to send %s: %w", method, err)
	}

	timeout := time.NewTimer(c.requestTimeout)
	defer timeout.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrShutdown
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil

	case <-timeout.C:
		c.forgetRequests(id)
		return fmt.Errorf("%s: %w", method, ErrTimeout)

	case <-c.quit:
		return ErrShutdown
	}
}

// batchRequest performs a batch of calls for the same method, one per params
// entry, and returns the raw results in input order.  A failure of any item
// fails the whole batch.
func (c *Client) batchRequest(method string, params []interface{}) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}

	select {
	case <-c.quit:
		return nil, ErrShutdown
	default:
	}

	ids := make([]uint64, len(params))
	for i := range ids {
		ids[i] = c.nextID()
	}
	msg, err := prepareBatch(ids, method, params)
	if err != nil {
		return nil, err
	}

	col := c.registerBatch(ids)
	if err := c.send(append(msg, newline)); err != nil {
		c.forgetRequests(ids...)
		c.Stop()
		return nil, fmt.Errorf("unable to send %s batch: %w", method, err)
	}

	timeout := time.NewTimer(c.requestTimeout)
	defer timeout.Stop()

	select {
	case <-col.done:
	case <-timeout.C:
		c.forgetRequests(ids...)
		return nil, fmt.Errorf("%s batch: %w", method, ErrTimeout)
	case <-c.quit:
		return nil, ErrShutdown
	}

	results := make([]json.RawMessage, len(col.results))
	for i, resp := range col.results {
		if resp == nil {
			return nil, ErrShutdown
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s batch item %d: %w",
				method, i, resp.Error)
		}
		results[i] = resp.Result
	}
	return results, nil
}

// cacheableTx wraps a transaction for cache accounting by serialized size.
type cacheableTx struct {
	tx *wire.MsgTx
}

// Size returns the serialized size of the wrapped transaction.
func (c *cacheableTx) Size() (uint64, error) {
	return uint64(c.tx.SerializeSize()), nil
}
