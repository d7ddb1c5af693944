// Package limithttp exposes limiters over HTTP so services in other
// languages can ask for a decision instead of embedding a limiter.
package limithttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
)

// maxIdentifierLen bounds identifiers accepted from callers, they become store keys
const maxIdentifierLen = 512

// API serves decisions and admin operations for a fixed set of policies.
type API struct {
	stores map[string]Store
	names  []string
	L      log.Logger
}

func New(stores map[string]Store, L log.Logger) *API {
	if L == nil {
		L = log.Nop()
	}
	names := make([]string, 0, len(stores))
	for n := range stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return &API{stores: stores, names: names, L: L}
}

// RegisterRoutes mounts the API on r. DELETE routes are wrapped with
// httpmw.RequireNonPublic.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(httpmw.Scope("decisions")).Post("/decisions/{policy}", a.decide)
		r.With(httpmw.Scope("policies")).Get("/policies", a.listPolicies)

		r.Group(func(r chi.Router) {
			r.Use(httpmw.RequireNonPublic(a.L), httpmw.Scope("admin"))
			r.Delete("/policies/{policy}/identifiers/{identifier}", a.resetIdentifier)
			r.Delete("/policies/{policy}/identifiers", a.clearPolicy)
		})
	})
}

type decisionRequest struct {
	Identifier string `json:"identifier"`
}

type decisionResponse struct {
	Policy     string `json:"policy"`
	Admitted   bool   `json:"admitted"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetAfter int    `json:"reset_after"`
	ResetAt    int64  `json:"reset_at"`
}

type policyInfo struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	Tracked       int    `json:"tracked_identifiers"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) store(w http.ResponseWriter, r *http.Request) (Store, bool) {
	s, ok := a.stores[chi.URLParam(r, "policy")]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown policy"})
	}
	return s, ok
}

// decide always answers 200 with the decision, rejections included. The
// caller turns a rejection into its own 429.
func (a *API) decide(w http.ResponseWriter, r *http.Request) {
	s, ok := a.store(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	id := strings.TrimSpace(req.Identifier)
	if id == "" || len(id) > maxIdentifierLen {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "identifier is required"})
		return
	}

	ctx := r.Context()
	d := s.Allow(ctx, id)
	d.WriteHeaders(w.Header())
	writeJSON(w, http.StatusOK, decisionResponse{
		Policy:     d.Policy,
		Admitted:   d.Admitted,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAfter: d.ResetAfterSeconds(),
		ResetAt:    d.ResetUnix(),
	})
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]policyInfo, 0, len(a.names))
	for _, n := range a.names {
		s := a.stores[n]
		p := s.Policy()
		tracked, err := s.Size(ctx)
		if err != nil {
			// listing still helps when the backend is down, -1 marks unknown
			log.FromContext(ctx).Warn(ctx, "could not count tracked identifiers", "policy", n, "error", err)
			tracked = -1
		}
		out = append(out, policyInfo{
			Name:          n,
			Limit:         p.MaxRequests,
			WindowSeconds: int64(p.Window.Seconds()),
			Tracked:       tracked,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) resetIdentifier(w http.ResponseWriter, r *http.Request) {
	s, ok := a.store(w, r)
	if !ok {
		return
	}
	id, err := url.PathUnescape(chi.URLParam(r, "identifier"))
	if err != nil || id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid identifier"})
		return
	}

	ctx := r.Context()
	if err := s.Reset(ctx, id); err != nil {
		log.FromContext(ctx).Error(ctx, err, "reset identifier failed", "policy", s.Policy().Name)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rate limit backend unavailable"})
		return
	}
	log.FromContext(ctx).Info(ctx, "identifier reset", "policy", s.Policy().Name)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearPolicy(w http.ResponseWriter, r *http.Request) {
	s, ok := a.store(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := s.Clear(ctx); err != nil {
		log.FromContext(ctx).Error(ctx, err, "clear policy failed", "policy", s.Policy().Name)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rate limit backend unavailable"})
		return
	}
	log.FromContext(ctx).Info(ctx, "policy cleared", "policy", s.Policy().Name)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
