package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/imageproxy"
	"github.com/rotki/nftkit/sponsorship"
)

// MaxTierIDs bounds the tiers of one tier-info request.
const MaxTierIDs = 20

// ParseTierIDs parses a comma separated list of tier ids, returning them
// sorted without duplicates.
func ParseTierIDs(s string) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nftkit.InvalidInput("tierIds", fmt.Errorf("tierIds is required"))
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, nftkit.InvalidInput("tierIds", fmt.Errorf("invalid tier id %q", p))
		}
		ids = append(ids, id)
	}
	ids = sponsorship.SortTierIDs(ids)
	if len(ids) > MaxTierIDs {
		return nil, nftkit.InvalidInput("tierIds", fmt.Errorf("at most %d tier ids per request", MaxTierIDs))
	}
	return ids, nil
}

func skipCache(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("skipCache"))
	return v
}

func (s *Server) handleTierInfo(w http.ResponseWriter, r *http.Request) {
	ids, err := ParseTierIDs(r.URL.Query().Get("tierIds"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.sponsorship.TierInfo(r.Context(), ids, skipCache(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenId"), 10, 64)
	if err != nil {
		s.writeError(w, r, nftkit.InvalidInput("tokenId", fmt.Errorf("invalid token id %q", chi.URLParam(r, "tokenId"))))
		return
	}
	tm, err := s.sponsorship.Token(r.Context(), tokenID, skipCache(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tm)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	err := s.images.ServeImage(w, r, r.URL.Query().Get("url"), skipCache(r))
	s.finishStream(w, r, err)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.images.ServeAvatar(w, r, q.Get("name"), q.Get("network"), skipCache(r))
	s.finishStream(w, r, err)
}

// finishStream reports a streaming error. Once the body has started the
// status can no longer change, so the connection is aborted instead and
// the client sees a truncated response.
func (s *Server) finishStream(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, imageproxy.ErrStreamInterrupted) {
		s.log.WarnContext(r.Context(), "image stream interrupted", slog.String("path", r.URL.Path), slog.Any("err", err))
		panic(http.ErrAbortHandler)
	}
	s.writeError(w, r, err)
}

type healthResponse struct {
	Status             string       `json:"status"`
	Version            string       `json:"version,omitempty"`
	Uptime             string       `json:"uptime"`
	SponsorshipEnabled bool         `json:"sponsorshipEnabled"`
	ImagesInFlight     int          `json:"imagesInFlight"`
	Cache              *cache.Stats `json:"cache,omitempty"`
	CacheL2            bool         `json:"cacheL2"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.sponsorship != nil {
		resp.SponsorshipEnabled = s.sponsorship.Enabled()
	}
	if s.images != nil {
		resp.ImagesInFlight = s.images.InFlight()
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
		resp.CacheL2 = s.cache.HasL2()
	}
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, resp)
}
