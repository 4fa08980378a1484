package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/security/auth"
)

// OperatorHeader names the operator recorded in the audit trail when admin
// authentication is off.
const OperatorHeader = "X-Operator"

// LimitRequest is the body of the limit-setting admin routes.
type LimitRequest struct {
	Model string      `json:"model,omitempty"`
	Limit quota.Limit `json:"limit"`

	// AllModels applies the limit to every known model and the fallback
	// pool. Only the actor route honours it.
	AllModels bool `json:"all_models,omitempty"`
}

func operator(r *http.Request) string {
	if info, ok := auth.GetKeyInfo(r.Context()); ok {
		return info.Operator
	}
	return r.Header.Get(OperatorHeader)
}

// decodeLimit reads a LimitRequest, rejecting bodies without a limit.
func decodeLimit(r *http.Request) (LimitRequest, error) {
	body := LimitRequest{Limit: quota.Unlimited - 1}
	if err := decodeJSON(r, &body); err != nil {
		return body, err
	}
	if body.Limit < quota.Unlimited {
		return body, quota.Invalidf("limit is required")
	}
	return body, nil
}

func (s *Server) handleSetActorLimit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeLimit(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	actor := chi.URLParam(r, "actor")
	if body.AllModels {
		if body.Model != "" {
			writeErr(w, r, quota.Invalidf("model and all_models are mutually exclusive"))
			return
		}
		err = s.deps.Controller.SetActorLimitAllModels(r.Context(), operator(r), actor, body.Limit)
	} else {
		err = s.deps.Controller.SetActorLimit(r.Context(), operator(r), actor, body.Model, body.Limit)
	}
	s.finish(w, r, err)
}

func (s *Server) handleSetDefaultLimit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeLimit(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finish(w, r, s.deps.Controller.SetDefaultLimit(r.Context(), operator(r), body.Model, body.Limit))
}

func (s *Server) handleSetGroupPool(w http.ResponseWriter, r *http.Request) {
	body, err := decodeLimit(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finish(w, r, s.deps.Controller.SetGroupPoolLimit(r.Context(), operator(r), chi.URLParam(r, "group"), body.Model, body.Limit))
}

func (s *Server) handleSetMemberLimit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeLimit(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finish(w, r, s.deps.Controller.SetMemberLimit(r.Context(), operator(r), chi.URLParam(r, "group"), body.Model, body.Limit))
}

func (s *Server) handleSetRoleLimit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeLimit(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if body.Model != "" {
		writeErr(w, r, quota.Invalidf("role limits apply to all models"))
		return
	}
	s.finish(w, r, s.deps.Controller.SetRoleLimit(r.Context(), operator(r),
		chi.URLParam(r, "group"), chi.URLParam(r, "role"), body.Limit))
}

func (s *Server) handleSetBypass(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.finish(w, r, s.deps.Controller.SetBypass(r.Context(), operator(r),
			chi.URLParam(r, "group"), chi.URLParam(r, "actor"), on))
	}
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	s.finish(w, r, s.deps.Controller.ResetUsage(r.Context(), operator(r), chi.URLParam(r, "actor")))
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
