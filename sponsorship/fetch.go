package sponsorship

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/ipfs"
	"github.com/rotki/nftkit/sonic"
)

// resolveURL maps a metadata uri onto the url to fetch it from.
func (s *Service) resolveURL(uri string) (string, error) {
	ref, ok, err := ipfs.Parse(uri)
	if err != nil {
		return "", err
	}
	if ok {
		return ref.GatewayURL(s.options.IPFSGateway), nil
	}
	if strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://") {
		return uri, nil
	}
	return "", nftkit.InvalidInput("metadata.uri", fmt.Errorf("unsupported metadata uri %q", uri))
}

// getJSON fetches url and decodes its json body into v. When etag is set
// the request is conditional and notModified reports a 304, in which case
// v is left untouched.
func (s *Service) getJSON(ctx context.Context, op, url, etag string, v any) (newETag string, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, nftkit.InvalidInput(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, nftkit.Transient(op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified && etag != "":
		return etag, true, nil
	case resp.StatusCode != http.StatusOK:
		return "", false, nftkit.FromStatus(op, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.options.MaxMetadataSize+1))
	if err != nil {
		return "", false, nftkit.Transient(op, fmt.Errorf("read %s: %w", url, err))
	}
	if int64(len(data)) > s.options.MaxMetadataSize {
		return "", false, nftkit.Errorf(nftkit.KindPermanent, op, "%s exceeds %d bytes", url, s.options.MaxMetadataSize)
	}
	if err := sonic.Config.Unmarshal(data, v); err != nil {
		return "", false, nftkit.Permanent(op, fmt.Errorf("decode %s: %w", url, err))
	}
	return resp.Header.Get("ETag"), false, nil
}
