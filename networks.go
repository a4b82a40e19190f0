// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mtproto

// Network definitions
var (
	NetworkProduction = Network{
		Name:            "production",
		ProtocolVersion: "1",
		MainDc:          2,
		Datacenters: map[int32]string{
			1: "dc1.mtproto.blinklabs.io:443",
			2: "dc2.mtproto.blinklabs.io:443",
			3: "dc3.mtproto.blinklabs.io:443",
			4: "dc4.mtproto.blinklabs.io:443",
			5: "dc5.mtproto.blinklabs.io:443",
		},
	}
	NetworkStaging = Network{
		Name:            "staging",
		ProtocolVersion: "1",
		MainDc:          1,
		Datacenters: map[int32]string{
			1: "dc1.staging.mtproto.blinklabs.io:443",
			2: "dc2.staging.mtproto.blinklabs.io:443",
		},
	}

	NetworkInvalid = Network{
		Name: "invalid",
	} // NetworkInvalid is used as a return value for lookup functions when a network isn't found
)

// List of valid networks for use in lookup functions
var networks = []Network{
	NetworkProduction,
	NetworkStaging,
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) Network {
	for _, network := range networks {
		if network.Name == name {
			return network
		}
	}
	return NetworkInvalid
}

// Network represents a predefined deployment: its datacenter addresses, the
// default main datacenter and the protocol version its trust bundles are
// published under
type Network struct {
	Name            string
	ProtocolVersion string
	MainDc          int32
	Datacenters     map[int32]string
}

func (n Network) String() string {
	return n.Name
}

// WithNetwork registers every datacenter of a predefined network along with
// its default main datacenter and protocol version
func WithNetwork(network Network) ClientOptionFunc {
	return func(c *Client) {
		for id, address := range network.Datacenters {
			c.config.addresses[id] = address
		}
		if network.MainDc != 0 {
			c.config.defaultMainDc = network.MainDc
		}
		if network.ProtocolVersion != "" {
			c.config.protocolVersion = network.ProtocolVersion
		}
	}
}
