package main

import (
	"strings"
	"testing"

	"github.com/rotki/nftkit/sponsorship"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintableToken(t *testing.T) {
	tm := &sponsorship.TokenMetadata{
		TokenID:     12,
		Owner:       "0x00000000000000000000000000000000000000aa",
		Name:        "rotki sponsor #12",
		TierName:    "Gold",
		ReleaseID:   3,
		ReleaseName: "Genesis",
		Attributes: []sponsorship.Attribute{
			{TraitType: "Tier", Value: "Gold"},
			{TraitType: "Supply", Value: 2.5e7},
		},
	}

	p := Printable{}
	require.NoError(t, p.FromStruct(tm))
	out := p.Columnize(defaultFormat)
	rows := strings.Split(strings.TrimSpace(out), "\n")

	assert.True(t, strings.HasPrefix(rows[0], "attributes"))
	assert.Contains(t, out, "Supply")
	assert.Contains(t, out, "25000000")
	assert.NotContains(t, out, "e+07")
	assert.Contains(t, out, "rotki sponsor #12")

	// keys are sorted
	assert.Less(t, strings.Index(out, "owner"), strings.Index(out, "releaseId"))
	assert.Less(t, strings.Index(out, "releaseId"), strings.Index(out, "tokenId"))
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "21234560", formatFloat(2.123456e7))
	assert.Equal(t, "0.5", formatFloat(0.5))
	assert.Equal(t, "7", customFormat(7))
}
