// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"encoding/json"
	"fmt"
)

// request is a single JSON-RPC request frame.  Electrum servers accept 2.0
// framing with either positional or named parameters.
type request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is a JSON-RPC response frame.  Server-initiated notifications
// arrive shaped like requests, so a non-empty Method identifies a
// notification rather than a call response.
type response struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// ntfnData recovers the params payload of a server notification.
type ntfnData struct {
	Params json.RawMessage `json:"params"`
}

// RPCError represents a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error satisfies the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("code %d: %q", e.Code, e.Message)
}

// positional wraps positional JSON-RPC arguments.
type positional []interface{}

// prepareRequest marshals a single request frame.  args may be positional (a
// slice), named (a struct), or nil for no arguments.
func prepareRequest(id uint64, method string, args interface{}) ([]byte, error) {
	if args == nil {
		args = positional{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal arguments: %w", err)
	}
	return json.Marshal(&request{
		Jsonrpc: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
}

// prepareBatch marshals a batch of request frames for the same method, one
// per params entry, as a single JSON array.  Frames take their ids from the
// ids slice in order, so responses can be matched back to request positions.
func prepareBatch(ids []uint64, method string, params []interface{}) ([]byte, error) {
	frames := make([]json.RawMessage, len(params))
	for i, args := range params {
		frame, err := prepareRequest(ids[i], method, args)
		if err != nil {
			return nil, err
		}
		frames[i] = frame
	}
	return json.Marshal(frames)
}
