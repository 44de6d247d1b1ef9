package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"grc-cache/internal/cache/keys"
	"grc-cache/internal/cache/local"
	"grc-cache/internal/common/logging"
	"grc-cache/internal/common/validation"
)

// GetStats returns the cache counters
// @Summary Get cache statistics
// @Tags cache
// @Produce json
// @Security BearerAuth
// @Success 200 {object} cache.Stats
// @Router /api/cache/stats [get]
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.sendJSONResponse(w, http.StatusOK, h.cache.Stats())
}

// ResetStats zeroes the cache counters
// @Summary Reset cache statistics
// @Tags cache
// @Security BearerAuth
// @Success 204
// @Router /api/cache/stats/reset [post]
func (h *Handlers) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.cache.ResetStats()
	h.logger.WithContext(r.Context()).Info("Cache statistics reset")
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateRequest selects what to drop. Exactly one selector is set.
type InvalidateRequest struct {
	Key     string   `json:"key,omitempty" validate:"omitempty,cache_key,max=512"`
	Pattern string   `json:"pattern,omitempty" validate:"max=512"`
	Family  string   `json:"family,omitempty"`
	Scope   []string `json:"scope,omitempty" validate:"max=8,dive,required"`
	Event   string   `json:"event,omitempty"`
	All     bool     `json:"all,omitempty"`
}

// InvalidateResponse echoes what was dropped
type InvalidateResponse struct {
	Invalidated string `json:"invalidated"`
}

var events = map[string]func(ctx context.Context, inv keys.Invalidator){
	"risk":    keys.AfterRiskChange,
	"audit":   keys.AfterAuditChange,
	"process": keys.AfterProcessChange,
	"control": keys.AfterControlChange,
}

func (req InvalidateRequest) selectors() int {
	n := 0
	for _, set := range []bool{req.Key != "", req.Pattern != "", req.Family != "", req.Event != "", req.All} {
		if set {
			n++
		}
	}
	return n
}

// Invalidate drops entries from both tiers
// @Summary Invalidate cache entries
// @Description Drops a key, a glob pattern, a key family, the families touched by a domain event, or everything
// @Tags cache
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body InvalidateRequest true "Selector"
// @Success 200 {object} InvalidateResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/cache/invalidate [post]
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.sendJSONError(w, r, nil, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.selectors() != 1 {
		h.sendJSONError(w, r, nil, "Exactly one of key, pattern, family, event or all is required", http.StatusBadRequest)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.sendJSONError(w, r, nil, strings.Join(validation.Messages(err), "; "), http.StatusBadRequest)
		return
	}
	if len(req.Scope) > 0 && req.Family == "" {
		h.sendJSONError(w, r, nil, "Scope is only valid with family", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var what string
	switch {
	case req.Key != "":
		h.cache.Invalidate(ctx, req.Key)
		what = "key " + req.Key
	case req.Pattern != "":
		if _, err := local.CompilePattern(req.Pattern); err != nil {
			h.sendJSONError(w, r, nil, fmt.Sprintf("Invalid pattern %q", req.Pattern), http.StatusBadRequest)
			return
		}
		h.cache.InvalidatePattern(ctx, req.Pattern)
		what = "pattern " + req.Pattern
	case req.Family != "":
		family, ok := keys.Lookup(req.Family)
		if !ok {
			h.sendJSONError(w, r, nil,
				fmt.Sprintf("Unknown family %q, expected one of %s", req.Family, strings.Join(keys.Domains(), ", ")),
				http.StatusBadRequest)
			return
		}
		if len(req.Scope) > 0 {
			keys.InvalidateScoped(ctx, h.cache, family, req.Scope...)
			what = "family " + family.Domain + " scope " + strings.Join(req.Scope, ":")
		} else {
			keys.InvalidateFamily(ctx, h.cache, family)
			what = "family " + family.Domain
		}
	case req.Event != "":
		fn, ok := events[req.Event]
		if !ok {
			h.sendJSONError(w, r, nil,
				fmt.Sprintf("Unknown event %q, expected one of %s", req.Event, strings.Join(eventNames(), ", ")),
				http.StatusBadRequest)
			return
		}
		fn(ctx, h.cache)
		what = "event " + req.Event
	default:
		h.cache.InvalidateAll(ctx)
		what = "all"
	}

	h.logger.WithContext(ctx).Info("Cache invalidated", logging.String("selector", what))
	h.sendJSONResponse(w, http.StatusOK, InvalidateResponse{Invalidated: what})
}

func eventNames() []string {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListFamilies returns the registered key families
// @Summary List cache key families
// @Tags cache
// @Produce json
// @Security BearerAuth
// @Success 200 {array} keys.Family
// @Router /api/cache/families [get]
func (h *Handlers) ListFamilies(w http.ResponseWriter, r *http.Request) {
	families := make([]keys.Family, 0)
	for _, domain := range keys.Domains() {
		f, _ := keys.Lookup(domain)
		families = append(families, f)
	}
	h.sendJSONResponse(w, http.StatusOK, families)
}
