// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// noResponse instructs the test server to swallow a request without
// answering it.
var noResponse = &struct{}{}

// testHandler produces the result or error for one received request.
type testHandler func(method string, params json.RawMessage) (interface{}, *RPCError)

// testServer is a minimal scripted Electrum server speaking newline-framed
// JSON-RPC over a real TCP socket.  It negotiates server.version and answers
// server.ping itself; everything else is routed to the handler.  Batch
// frames are answered in reverse order to exercise response matching.
type testServer struct {
	t       *testing.T
	ln      net.Listener
	handler testHandler

	mtx      sync.Mutex
	conn     net.Conn
	requests map[string]int
}

func newTestServer(t *testing.T, handler testHandler) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{
		t:        t,
		ln:       ln,
		handler:  handler,
		requests: make(map[string]int),
	}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) addr() string {
	return s.ln.Addr().String()
}

func (s *testServer) calls(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.requests[method]
}

func (s *testServer) write(frame []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.conn != nil {
		s.conn.Write(append(frame, newline))
	}
}

// push sends a chain tip notification for the given header.
func (s *testServer) push(height int32, header *wire.BlockHeader) {
	var buf bytes.Buffer
	require.NoError(s.t, header.Serialize(&buf))
	frame, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  methodHeadersSubscribe,
		"params": []headerStatus{{
			Height: height,
			Hex:    hex.EncodeToString(buf.Bytes()),
		}},
	})
	require.NoError(s.t, err)
	s.write(frame)
}

func (s *testServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mtx.Lock()
	s.conn = conn
	s.mtx.Unlock()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes(newline)
		if err != nil {
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if line[0] == '[' {
			var reqs []request
			if err := json.Unmarshal(line, &reqs); err != nil {
				s.t.Errorf("bad batch frame: %v", err)
				return
			}
			resps := make([]json.RawMessage, 0, len(reqs))
			for i := len(reqs) - 1; i >= 0; i-- {
				resp := s.respond(&reqs[i])
				if resp != nil {
					resps = append(resps, resp)
				}
			}
			frame, err := json.Marshal(resps)
			if err != nil {
				s.t.Errorf("marshal batch response: %v", err)
				return
			}
			s.write(frame)
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.t.Errorf("bad request frame: %v", err)
			return
		}
		if resp := s.respond(&req); resp != nil {
			s.write(resp)
		}
	}
}

func (s *testServer) respond(req *request) json.RawMessage {
	s.mtx.Lock()
	s.requests[req.Method]++
	s.mtx.Unlock()

	var result interface{}
	var rpcErr *RPCError
	switch req.Method {
	case "server.version":
		result = []string{"ElectrumX 1.16.0", "1.4"}
	case methodPing:
		result = nil
	default:
		result, rpcErr = s.handler(req.Method, req.Params)
		if result == noResponse {
			return nil
		}
	}

	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
	}
	if rpcErr != nil {
		payload["error"] = rpcErr
	} else {
		payload["result"] = result
	}
	frame, err := json.Marshal(payload)
	require.NoError(s.t, err)
	return frame
}

func dialTestServer(t *testing.T, s *testServer) *Client {
	t.Helper()

	c, err := Dial(s.addr(), &ConnectOpts{
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		c.WaitForShutdown()
	})
	return c
}

func TestDialNegotiatesVersion(t *testing.T) {
	s := newTestServer(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return nil, nil
	})
	c := dialTestServer(t, s)

	require.Equal(t, "1.4", c.Proto())
	require.Equal(t, s.addr(), c.Addr())
}

func TestRequestServerError(t *testing.T) {
	s := newTestServer(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: 2, Message: "daemon error"}
	})
	c := dialTestServer(t, s)

	var result float64
	err := c.Request(methodEstimateFee, positional{1}, &result)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, 2, rpcErr.Code)
	require.Equal(t, "daemon error", rpcErr.Message)
}

// TestBatchResultOrder verifies that batch results come back in input order
// even though the test server answers batches in reverse.
func TestBatchResultOrder(t *testing.T) {
	s := newTestServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, methodEstimateFee, method)
		var args []uint32
		require.NoError(t, json.Unmarshal(params, &args))
		require.Len(t, args, 1)
		return float64(args[0]) * 0.0001, nil
	})
	c := dialTestServer(t, s)

	fees, err := c.BatchEstimateFee([]uint32{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []float64{0.0001, 0.0002, 0.0003}, fees)
}

func TestBatchItemErrorFailsBatch(t *testing.T) {
	s := newTestServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		var args []uint32
		require.NoError(t, json.Unmarshal(params, &args))
		if args[0] == 2 {
			return nil, &RPCError{Code: 1, Message: "no estimate"}
		}
		return 0.0001, nil
	})
	c := dialTestServer(t, s)

	_, err := c.BatchEstimateFee([]uint32{1, 2, 3})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "no estimate", rpcErr.Message)
}

func TestSubscribeHeadersAndPop(t *testing.T) {
	tipHeader := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1714777860, 0),
		Bits:      0x1d00ffff,
		Nonce:     1,
	}
	var buf bytes.Buffer
	require.NoError(t, tipHeader.Serialize(&buf))

	s := newTestServer(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, methodHeadersSubscribe, method)
		return headerStatus{
			Height: 845000,
			Hex:    hex.EncodeToString(buf.Bytes()),
		}, nil
	})
	c := dialTestServer(t, s)

	tip, err := c.SubscribeHeaders()
	require.NoError(t, err)
	require.Equal(t, int32(845000), tip.Height)
	require.Equal(t, tipHeader.BlockHash(), tip.Header.BlockHash())

	// Nothing queued yet.
	require.Nil(t, c.PopHeader())

	next := tipHeader
	next.Nonce = 2
	s.push(845001, &next)

	// The notification travels through the read loop asynchronously.
	require.Eventually(t, func() bool {
		return c.PopHeader() != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, c.PopHeader())
}

// TestScriptHashParam checks the documented protocol example.
// https://electrumx.readthedocs.io/en/latest/protocol-basics.html#script-hashes
func TestScriptHashParam(t *testing.T) {
	addr, err := btcutil.DecodeAddress(
		"1HZwkjkeaoZfTSaJxDw6aKkxp45agDiEzN", &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	require.Equal(t,
		"8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161",
		scriptHashParam(script))
}

func TestBatchGetTransactionsCaching(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(50000, []byte{txscript.OP_TRUE}))
	txid := tx.TxHash()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txHex := hex.EncodeToString(buf.Bytes())

	s := newTestServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, methodGetTransaction, method)
		var args []string
		require.NoError(t, json.Unmarshal(params, &args))
		require.Equal(t, txid.String(), args[0])
		return txHex, nil
	})
	c := dialTestServer(t, s)

	txs, err := c.BatchGetTransactions([]chainhash.Hash{txid})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, txid, txs[0].TxHash())
	require.Equal(t, 1, s.calls(methodGetTransaction))

	// A second fetch is served from the cache without touching the
	// server.
	txs, err = c.BatchGetTransactions([]chainhash.Hash{txid})
	require.NoError(t, err)
	require.Equal(t, txid, txs[0].TxHash())
	require.Equal(t, 1, s.calls(methodGetTransaction))
}

func TestStopUnblocksPendingRequest(t *testing.T) {
	s := newTestServer(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return noResponse, nil
	})
	c := dialTestServer(t, s)

	errC := make(chan error, 1)
	go func() {
		var result float64
		errC <- c.Request(methodEstimateFee, positional{1}, &result)
	}()

	// Give the request a moment to be registered before stopping.
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	select {
	case err := <-errC:
		require.True(t, errors.Is(err, ErrShutdown))
	case <-time.After(2 * time.Second):
		t.Fatal("request was not unblocked by Stop")
	}
	c.WaitForShutdown()
}
