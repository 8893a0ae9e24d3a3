// Copyright 2017 Weald Technology Trading
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

package ens

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotki/nftkit"
	"golang.org/x/crypto/sha3"
	"golang.org/x/net/idna"
)

var p = idna.New(idna.MapForLookup(), idna.StrictDomainName(false), idna.Transitional(false))

// Networks served by the ENS metadata service.
var Networks = map[string]bool{
	"mainnet": true,
	"sepolia": true,
}

const maxNameLength = 255

// NameHash returns the ENS node of name: the keccak256 fold of its label
// hashes from the top-level label down. The empty name is the zero node.
func NameHash(name string) ([32]byte, error) {
	var node [32]byte
	if name == "" {
		return node, nil
	}
	normalized, err := Normalize(name)
	if err != nil {
		return node, err
	}

	labels := strings.Split(normalized, ".")
	h := sha3.NewLegacyKeccak256()
	var label [32]byte
	for i := len(labels) - 1; i >= 0; i-- {
		h.Reset()
		h.Write([]byte(labels[i]))
		h.Sum(label[:0])

		h.Reset()
		h.Write(node[:])
		h.Write(label[:])
		h.Sum(node[:0])
	}
	return node, nil
}

// Normalize normalizes a name according to the ENS rules
func Normalize(input string) (output string, err error) {
	output, err = p.ToUnicode(input)
	if err != nil {
		return
	}
	// If the name started with a period then ToUnicode() removes it, but we want to keep it
	if strings.HasPrefix(input, ".") && !strings.HasPrefix(output, ".") {
		output = "." + output
	}
	return
}

// ValidateName normalizes name and checks it is a dotted ENS name with
// non-empty labels.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return "", nftkit.InvalidInput("ens.name", fmt.Errorf("invalid ens name length"))
	}
	normalized, err := Normalize(strings.ToLower(name))
	if err != nil {
		return "", nftkit.InvalidInput("ens.name", fmt.Errorf("normalize %q: %w", name, err))
	}
	labels := strings.Split(normalized, ".")
	if len(labels) < 2 {
		return "", nftkit.InvalidInput("ens.name", fmt.Errorf("%q is not a dotted name", name))
	}
	for _, label := range labels {
		if label == "" || strings.ContainsAny(label, "/?#%\\ ") {
			return "", nftkit.InvalidInput("ens.name", fmt.Errorf("invalid label in %q", name))
		}
	}
	return normalized, nil
}

// Avatar is the avatar image of an ens name on one network.
type Avatar struct {
	Network string
	Name    string
	Node    [32]byte
	URL     string
}

// NewAvatar validates name and network and resolves the metadata service
// url of the avatar, ie. https://metadata.ens.domains/mainnet/avatar/vitalik.eth
func NewAvatar(baseURL, network, name string) (Avatar, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		network = "mainnet"
	}
	if !Networks[network] {
		return Avatar{}, nftkit.InvalidInput("ens.network", fmt.Errorf("unsupported network %q", network))
	}
	normalized, err := ValidateName(name)
	if err != nil {
		return Avatar{}, err
	}
	node, err := NameHash(normalized)
	if err != nil {
		return Avatar{}, nftkit.InvalidInput("ens.name", err)
	}
	return Avatar{
		Network: network,
		Name:    normalized,
		Node:    node,
		URL:     strings.TrimRight(baseURL, "/") + "/" + network + "/avatar/" + url.PathEscape(normalized),
	}, nil
}

// Key identifies the avatar by network and node, so every spelling of a
// name that normalizes the same shares it.
func (a Avatar) Key() string {
	return a.Network + ":" + hex.EncodeToString(a.Node[:])
}
