package sponsorship

// Info is the current sponsorship deployment as reported by the backend.
type Info struct {
	Chain           string `json:"chain"`
	ContractAddress string `json:"contractAddress"`
	ReleaseID       uint64 `json:"releaseId"`
}

// TierSupply is the on-chain state of one tier within one release.
type TierSupply struct {
	MaxSupply     uint64 `json:"maxSupply"`
	CurrentSupply uint64 `json:"currentSupply"`
	MetadataURI   string `json:"metadataURI"`
}

// Attribute is an ERC-721 metadata trait. Value is a string or a number.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Metadata is the off-chain json document a tier or token uri points at.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

// TierInfoResult is the flattened view of one tier returned by the api.
type TierInfoResult struct {
	ImageURL      string `json:"imageUrl"`
	Benefits      string `json:"benefits"`
	ReleaseName   string `json:"releaseName"`
	TierName      string `json:"tierName,omitempty"`
	CurrentSupply uint64 `json:"currentSupply"`
	MaxSupply     uint64 `json:"maxSupply"`
	MetadataURI   string `json:"metadataURI"`
}

type TierInfoResponse struct {
	ReleaseID uint64                     `json:"releaseId"`
	Tiers     map[uint64]*TierInfoResult `json:"tiers"`
}

// TokenMetadata describes one minted sponsorship NFT.
type TokenMetadata struct {
	TokenID     uint64      `json:"tokenId"`
	Owner       string      `json:"owner"`
	Name        string      `json:"name"`
	TierName    string      `json:"tierName"`
	ReleaseID   uint64      `json:"releaseId,omitempty"`
	ReleaseName string      `json:"releaseName"`
	ImageURL    string      `json:"imageUrl"`
	MetadataURI string      `json:"metadataURI"`
	Attributes  []Attribute `json:"attributes"`
}
