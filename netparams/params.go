// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// ElectrumTCPPort and ElectrumSSLPort are the conventional listening
	// ports of public Electrum servers for the network.  They are used to
	// fill in a server address given without an explicit port.
	ElectrumTCPPort string
	ElectrumSSLPort string
}

// MainNetParams contains parameters specific to running the wallet against
// Electrum servers on the main network (wire.MainNet).
var MainNetParams = Params{
	Params:          &chaincfg.MainNetParams,
	ElectrumTCPPort: "50001",
	ElectrumSSLPort: "50002",
}

// TestNet3Params contains parameters specific to running the wallet against
// Electrum servers on the test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:          &chaincfg.TestNet3Params,
	ElectrumTCPPort: "51001",
	ElectrumSSLPort: "51002",
}

// TestNet4Params contains parameters specific to running the wallet against
// Electrum servers on the test network (version 4).  The chain parameters are
// defined locally until they land in chaincfg.
var TestNet4Params = Params{
	Params:          &TestNet4ChainParams,
	ElectrumTCPPort: "51001",
	ElectrumSSLPort: "51002",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).  The ports match the electrs defaults used by the harnesses.
var SimNetParams = Params{
	Params:          &chaincfg.SimNetParams,
	ElectrumTCPPort: "50011",
	ElectrumSSLPort: "50012",
}
