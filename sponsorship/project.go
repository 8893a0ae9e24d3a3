package sponsorship

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotki/nftkit/ipfs"
)

// DefaultImageProxyPath is prefixed to the escaped image uri in
// projected image urls.
const DefaultImageProxyPath = "/api/nft/image?url="

// ProjectTier combines a tier's supply and metadata into the api view. It
// is a pure function of its inputs.
func ProjectTier(supply TierSupply, meta *Metadata, imageProxyPath string) *TierInfoResult {
	res := &TierInfoResult{
		CurrentSupply: supply.CurrentSupply,
		MaxSupply:     supply.MaxSupply,
		MetadataURI:   supply.MetadataURI,
	}
	if meta == nil {
		return res
	}
	res.ImageURL = ProxyImageURL(imageProxyPath, meta.Image)
	res.Benefits = meta.attr("benefits")
	res.ReleaseName = meta.attr("releasename", "release")
	res.TierName = meta.attr("tiername", "tier")
	if res.TierName == "" {
		res.TierName = meta.Name
	}
	return res
}

// ProjectToken builds the api view of a single token.
func ProjectToken(tokenID uint64, owner, metadataURI string, meta *Metadata, imageProxyPath string) *TokenMetadata {
	tm := &TokenMetadata{
		TokenID:     tokenID,
		Owner:       owner,
		MetadataURI: metadataURI,
		Attributes:  []Attribute{},
	}
	if meta == nil {
		return tm
	}
	tm.Name = meta.Name
	tm.ImageURL = ProxyImageURL(imageProxyPath, meta.Image)
	tm.ReleaseName = meta.attr("releasename", "release")
	tm.TierName = meta.attr("tiername", "tier")
	if id, err := strconv.ParseUint(meta.attr("releaseid"), 10, 64); err == nil {
		tm.ReleaseID = id
	}
	if meta.Attributes != nil {
		tm.Attributes = meta.Attributes
	}
	return tm
}

// ProxyImageURL rewrites an image uri to the local image proxy path. Ipfs
// uris are canonicalized first so equal images share one proxy url.
func ProxyImageURL(imageProxyPath, image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	if normalized, err := ipfs.Normalize(image); err == nil {
		image = normalized
	}
	if imageProxyPath == "" {
		imageProxyPath = DefaultImageProxyPath
	}
	return imageProxyPath + url.QueryEscape(image)
}

// attr returns the first attribute whose normalized trait type matches one
// of names, in order of names.
func (m *Metadata) attr(names ...string) string {
	for _, name := range names {
		for _, a := range m.Attributes {
			if normalizeTrait(a.TraitType) == name {
				return attrString(a.Value)
			}
		}
	}
	return ""
}

func normalizeTrait(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

func attrString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
