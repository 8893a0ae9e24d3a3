// Package ipfs parses and validates IPFS references and maps them onto
// http gateways.
package ipfs

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/rotki/nftkit"
)

const Scheme = "ipfs://"

// Ref is a content identifier plus an optional path inside it.
type Ref struct {
	CID  string
	Path string
}

// String returns the canonical ipfs:// form used in cache keys.
func (r Ref) String() string {
	return Scheme + r.CID + r.Path
}

// GatewayURL resolves r through an http gateway base url, ie.
// https://ipfs.io.
func (r Ref) GatewayURL(gateway string) string {
	return strings.TrimRight(gateway, "/") + "/ipfs/" + r.CID + r.Path
}

// Parse accepts ipfs://<cid>[/path], ipfs://ipfs/<cid>, /ipfs/<cid> and
// gateway urls of the path (https://host/ipfs/<cid>) or subdomain
// (https://<cid>.ipfs.host) style. ok is false when uri is not an ipfs
// reference at all; err is set when it is one but the cid is invalid.
func Parse(uri string) (ref Ref, ok bool, err error) {
	uri = strings.TrimSpace(uri)

	var rest string
	switch {
	case strings.HasPrefix(strings.ToLower(uri), Scheme):
		rest = uri[len(Scheme):]
		rest = strings.TrimPrefix(rest, "ipfs/")
	case strings.HasPrefix(uri, "/ipfs/"):
		rest = uri[len("/ipfs/"):]
	default:
		u, perr := url.Parse(uri)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return Ref{}, false, nil
		}
		if i := strings.Index(u.Path, "/ipfs/"); i >= 0 {
			rest = u.Path[i+len("/ipfs/"):]
		} else if label, _, found := strings.Cut(u.Hostname(), ".ipfs."); found {
			rest = label + u.Path
		} else {
			return Ref{}, false, nil
		}
	}

	cid, path, _ := strings.Cut(rest, "/")
	if path != "" {
		path = "/" + path
	}
	if err := ValidateCID(cid); err != nil {
		return Ref{}, true, err
	}
	return Ref{CID: cid, Path: path}, true, nil
}

// Normalize returns the canonical ipfs:// form of uri, or uri unchanged
// when it is not an ipfs reference.
func Normalize(uri string) (string, error) {
	ref, ok, err := Parse(uri)
	if err != nil {
		return "", err
	}
	if !ok {
		return strings.TrimSpace(uri), nil
	}
	return ref.String(), nil
}

var lowerBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidateCID checks the shape of a CIDv0 (base58btc sha2-256 multihash)
// or a CIDv1 in base32 or base58btc multibase.
func ValidateCID(cid string) error {
	if cid == "" {
		return nftkit.InvalidInput("ipfs.cid", fmt.Errorf("empty cid"))
	}

	if strings.HasPrefix(cid, "Qm") {
		raw, err := base58.Decode(cid)
		if err != nil || len(raw) != 34 || raw[0] != 0x12 || raw[1] != 0x20 {
			return nftkit.InvalidInput("ipfs.cid", fmt.Errorf("invalid CIDv0 %q", cid))
		}
		return nil
	}

	var raw []byte
	var err error
	switch cid[0] {
	case 'b':
		raw, err = lowerBase32.DecodeString(strings.ToUpper(cid[1:]))
	case 'z':
		raw, err = base58.Decode(cid[1:])
	default:
		err = fmt.Errorf("unsupported multibase prefix %q", cid[0])
	}
	if err != nil || len(raw) < 4 || raw[0] != 0x01 {
		return nftkit.InvalidInput("ipfs.cid", fmt.Errorf("invalid CIDv1 %q", cid))
	}
	return nil
}
