package nftkit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rotki/nftkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   nftkit.Kind
	}{
		{404, nftkit.KindNotFound},
		{400, nftkit.KindPermanent},
		{403, nftkit.KindPermanent},
		{429, nftkit.KindTransient},
		{500, nftkit.KindTransient},
		{503, nftkit.KindTransient},
	}
	for _, c := range cases {
		err := nftkit.FromStatus("fetch", c.status)
		assert.Equal(t, c.kind, nftkit.KindOf(err), "status %d", c.status)
		assert.Equal(t, c.status, nftkit.StatusCodeOf(err))
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, nftkit.KindTransient, nftkit.KindOf(errors.New("boom")))
	assert.Equal(t, nftkit.KindPermanent, nftkit.KindOf(context.Canceled))

	wrapped := fmt.Errorf("outer: %w", nftkit.InvalidInput("cid", errors.New("bad")))
	assert.Equal(t, nftkit.KindInvalidInput, nftkit.KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, nftkit.ErrInvalidInput))
	assert.False(t, errors.Is(wrapped, nftkit.ErrNotFound))
	assert.False(t, nftkit.IsRetryable(wrapped))

	assert.True(t, nftkit.IsRetryable(nftkit.Transient("rpc", errors.New("timeout"))))
	assert.False(t, nftkit.IsRetryable(nil))
}

func TestErrorMessage(t *testing.T) {
	err := nftkit.FromStatus("ipfs.fetch", 502)
	assert.Equal(t, "ipfs.fetch: status 502", err.Error())

	err = nftkit.NotFound("token", errors.New("token 9 does not exist"))
	assert.Equal(t, "token: token 9 does not exist", err.Error())
}

func TestCompose(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := nftkit.Compose(nftkit.ErrUnconfigured, cause)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nftkit.ErrUnconfigured))
	assert.True(t, errors.Is(err, cause))

	assert.NoError(t, nftkit.Compose())
	err = nftkit.Compose(nftkit.ErrUnconfigured)
	assert.True(t, errors.Is(err, nftkit.ErrUnconfigured))
}

func TestNormalizeAddress(t *testing.T) {
	addr, err := nftkit.NormalizeAddress("0x281986C18A5680C149b95Fc15aa266b633B06e84")
	require.NoError(t, err)
	assert.Equal(t, "0x281986c18a5680c149b95fc15aa266b633b06e84", addr)

	_, err = nftkit.NormalizeAddress("0x123")
	assert.ErrorIs(t, err, nftkit.ErrInvalidInput)
}
