package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/server"
	"github.com/rotki/nftkit/sponsorship"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSponsorship struct {
	enabled  bool
	err      error
	gotIDs   []uint64
	gotSkip  bool
	gotToken uint64
}

func (f *fakeSponsorship) Enabled() bool { return f.enabled }

func (f *fakeSponsorship) TierInfo(ctx context.Context, ids []uint64, skipCache bool) (*sponsorship.TierInfoResponse, error) {
	f.gotIDs, f.gotSkip = ids, skipCache
	if f.err != nil {
		return nil, f.err
	}
	resp := &sponsorship.TierInfoResponse{ReleaseID: 3, Tiers: map[uint64]*sponsorship.TierInfoResult{}}
	for _, id := range ids {
		resp.Tiers[id] = &sponsorship.TierInfoResult{TierName: fmt.Sprintf("tier %d", id), MaxSupply: 10}
	}
	return resp, nil
}

func (f *fakeSponsorship) Token(ctx context.Context, id uint64, skipCache bool) (*sponsorship.TokenMetadata, error) {
	f.gotToken, f.gotSkip = id, skipCache
	if f.err != nil {
		return nil, f.err
	}
	return &sponsorship.TokenMetadata{TokenID: id, Owner: "0xaa", Name: "rotki sponsor"}, nil
}

type fakeImages struct {
	err     error
	gotURL  string
	gotName string
	gotNet  string
}

func (f *fakeImages) ServeImage(w http.ResponseWriter, r *http.Request, rawURL string, skipCache bool) error {
	f.gotURL = rawURL
	if f.err != nil {
		return f.err
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write([]byte("png"))
	return nil
}

func (f *fakeImages) ServeAvatar(w http.ResponseWriter, r *http.Request, name, network string, skipCache bool) error {
	f.gotName, f.gotNet = name, network
	if f.err != nil {
		return f.err
	}
	w.Write([]byte("avatar"))
	return nil
}

func (f *fakeImages) InFlight() int { return 2 }

func newServer(sp *fakeSponsorship, img *fakeImages) http.Handler {
	return server.New(server.Options{
		Sponsorship: sp,
		Images:      img,
		Cache:       cache.New(cache.Options{}),
		Version:     "test",
	}).Router()
}

func do(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestTierInfo(t *testing.T) {
	sp := &fakeSponsorship{enabled: true}
	h := newServer(sp, &fakeImages{})

	w := do(h, "/api/nft/tier-info?tierIds=7,5,7&skipCache=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint64{5, 7}, sp.gotIDs)
	assert.True(t, sp.gotSkip)

	var resp struct {
		ReleaseID uint64                     `json:"releaseId"`
		Tiers     map[string]json.RawMessage `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 3, resp.ReleaseID)
	assert.Contains(t, resp.Tiers, "5")
	assert.Contains(t, resp.Tiers, "7")
}

func TestTierInfoValidation(t *testing.T) {
	h := newServer(&fakeSponsorship{enabled: true}, &fakeImages{})

	tooMany := "1"
	for i := 2; i <= 21; i++ {
		tooMany += fmt.Sprintf(",%d", i)
	}
	for _, q := range []string{"", "tierIds=", "tierIds=a,b", "tierIds=1,,2", "tierIds=-1", "tierIds=" + tooMany} {
		w := do(h, "/api/nft/tier-info?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.NotEmpty(t, errorBody(t, w))
	}
}

func TestParseTierIDs(t *testing.T) {
	ids, err := server.ParseTierIDs(" 3, 1 ,2,3")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{nftkit.InvalidInput("op", fmt.Errorf("bad")), http.StatusBadRequest},
		{nftkit.NotFound("op", fmt.Errorf("gone")), http.StatusNotFound},
		{nftkit.Permanent("op", fmt.Errorf("broken upstream")), http.StatusBadGateway},
		{nftkit.Transient("op", fmt.Errorf("timeout")), http.StatusServiceUnavailable},
		{nftkit.Compose(nftkit.ErrUnconfigured, fmt.Errorf("no rpc")), http.StatusServiceUnavailable},
		{nftkit.ErrDisabled, http.StatusNotFound},
		{fmt.Errorf("connection reset"), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{&nftkit.Error{Kind: nftkit.Kind(42), Op: "op"}, http.StatusInternalServerError},
	} {
		h := newServer(&fakeSponsorship{enabled: true, err: tc.err}, &fakeImages{})
		w := do(h, "/api/nft/tier-info?tierIds=1")
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	}
}

func TestServerErrorsHideDetail(t *testing.T) {
	h := newServer(&fakeSponsorship{enabled: true, err: nftkit.Transient("rpc", fmt.Errorf("https://secret-rpc.example refused"))}, &fakeImages{})
	w := do(h, "/api/nft/tier-info?tierIds=1")
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), errorBody(t, w))
}

func TestToken(t *testing.T) {
	sp := &fakeSponsorship{enabled: true}
	h := newServer(sp, &fakeImages{})

	w := do(h, "/api/nft/42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 42, sp.gotToken)
	assert.False(t, sp.gotSkip)

	w = do(h, "/api/nft/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	sp.err = nftkit.NotFound("token", fmt.Errorf("token 42 does not exist"))
	w = do(h, "/api/nft/42")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImageRoutes(t *testing.T) {
	img := &fakeImages{}
	h := newServer(&fakeSponsorship{enabled: true}, img)

	w := do(h, "/api/nft/image?url=ipfs%3A%2F%2Fcid%2F1.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ipfs://cid/1.png", img.gotURL)
	assert.Equal(t, "png", w.Body.String())

	w = do(h, "/api/ens/avatar?name=vitalik.eth&network=sepolia")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vitalik.eth", img.gotName)
	assert.Equal(t, "sepolia", img.gotNet)

	img.err = nftkit.InvalidInput("image.url", fmt.Errorf("only ipfs uris or allow-listed hosts are proxied"))
	w = do(h, "/api/nft/image?url=https://evil.example/x.png")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestDisabled(t *testing.T) {
	h := newServer(&fakeSponsorship{enabled: false}, &fakeImages{})
	for _, path := range []string{"/api/nft/tier-info?tierIds=1", "/api/nft/1", "/api/nft/image?url=ipfs://x", "/api/ens/avatar?name=a.eth"} {
		w := do(h, path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	assert.Equal(t, http.StatusOK, do(h, "/health").Code)
}

func TestHealth(t *testing.T) {
	h := newServer(&fakeSponsorship{enabled: true}, &fakeImages{})
	w := do(h, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["version"])
	assert.Equal(t, true, resp["sponsorshipEnabled"])
	assert.EqualValues(t, 2, resp["imagesInFlight"])
	assert.Contains(t, resp, "cache")
}
