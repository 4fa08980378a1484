package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/analytics"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

// ReservationResponse is returned by POST /v1/reservations. Error is set
// when the decision came with one (fail-closed or ledger failure).
type ReservationResponse struct {
	*quota.Decision
	Error *ErrorBody `json:"error,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req quota.AdmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	d, err := s.deps.Controller.Reserve(r.Context(), &req)
	switch {
	case err != nil && d == nil:
		writeErr(w, r, err)
	case err != nil:
		status, code := statusFor(err)
		writeJSON(w, status, ReservationResponse{Decision: d, Error: &ErrorBody{
			Code:      code,
			Message:   err.Error(),
			RequestID: w.Header().Get(RequestIDHeader),
		}})
	case !d.Admit:
		writeJSON(w, http.StatusTooManyRequests, ReservationResponse{Decision: d, Error: &ErrorBody{
			Code:      "quota_exceeded",
			Message:   d.Reason,
			RequestID: w.Header().Get(RequestIDHeader),
		}})
	default:
		writeJSON(w, http.StatusCreated, ReservationResponse{Decision: d})
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var m quota.UsageMeasurement
	if err := decodeJSON(r, &m); err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.deps.Controller.Commit(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uq := quota.UsageQuery{
		ActorID: q.Get("actor"),
		GroupID: q.Get("group"),
		ModelID: q.Get("model"),
		Roles:   splitList(q.Get("roles")),
	}
	if v := q.Get("window"); v != "" {
		window, err := quota.ParseWindow(v)
		if err != nil {
			writeErr(w, r, quota.Invalidf("%v", err))
			return
		}
		uq.Window = window
	}

	report, err := s.deps.Controller.GetUsage(r.Context(), uq)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	topN := analytics.DefaultTopN
	if v := r.URL.Query().Get("top"); v != "" {
		if topN, err = strconv.Atoi(v); err != nil || topN <= 0 {
			writeErr(w, r, quota.Invalidf("top must be a positive integer, got %q", v))
			return
		}
	}

	stats, err := s.deps.Reporter.GetStatistics(r.Context(), f, topN)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eq := ledger.EventQuery{
		Kind:       quota.EventKind(q.Get("kind")),
		EntityType: quota.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity"),
	}
	var err error
	if eq.From, err = parseTime(q.Get("from")); err != nil {
		writeErr(w, r, err)
		return
	}
	if eq.To, err = parseTime(q.Get("to")); err != nil {
		writeErr(w, r, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		if eq.Limit, err = strconv.Atoi(v); err != nil || eq.Limit < 0 {
			writeErr(w, r, quota.Invalidf("limit must be a non-negative integer, got %q", v))
			return
		}
	}

	events, err := s.deps.Reporter.AuditTrail(r.Context(), eq)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []*quota.ConfigEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		ActorID:      q.Get("actor"),
		GroupID:      q.Get("group"),
		ChannelID:    q.Get("channel"),
		ModelID:      q.Get("model"),
		ChargeSource: quota.ChargeSource(q.Get("charge_source")),
	}
	if f.ChargeSource != "" && !f.ChargeSource.Valid() {
		return f, quota.Invalidf("unknown charge_source %q", f.ChargeSource)
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, err
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, quota.Invalidf("time %q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	return t, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
