package routes

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/decormarket/cache"
)

type cacheStatus struct {
	Enabled bool         `json:"enabled"`
	TTL     string       `json:"ttl,omitempty"`
	Stats   *cache.Stats `json:"stats,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		writeJSON(w, r, http.StatusOK, cacheStatus{})
		return
	}
	st := s.Cache.Stats()
	writeJSON(w, r, http.StatusOK, cacheStatus{Enabled: true, TTL: s.Cache.TTL().String(), Stats: &st})
}

// handleCacheClear drops entries whose key contains ?pattern=, or everything
// when the pattern is empty, here and on every other instance.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed := 0
	if s.Cache != nil {
		if pattern == "" {
			removed = s.Cache.Stats().Entries
			s.Cache.ClearAll()
		} else {
			removed = s.Cache.ClearByPattern(pattern)
		}
	}

	if s.Bus != nil {
		var err error
		if pattern == "" {
			err = s.Bus.PublishAll(r.Context())
		} else {
			err = s.Bus.PublishPattern(r.Context(), pattern)
		}
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("pattern", pattern).Msg("broadcast invalidation")
		}
	}

	hlog.FromRequest(r).Info().Str("pattern", pattern).Int("removed", removed).Msg("cache cleared")
	writeJSON(w, r, http.StatusOK, map[string]any{"pattern": pattern, "removed": removed})
}
