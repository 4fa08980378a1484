package tracing

import (
	"mercator-hq/tokenquota/pkg/quota"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys use the "tokenquota.*" namespace.
const (
	AttrActor        = "tokenquota.actor"
	AttrGroup        = "tokenquota.group"
	AttrModel        = "tokenquota.model"
	AttrChannel      = "tokenquota.channel"
	AttrEstimate     = "tokenquota.estimate"
	AttrAdmit        = "tokenquota.admit"
	AttrChargeSource = "tokenquota.charge_source"
	AttrScope        = "tokenquota.scope"
	AttrUsed         = "tokenquota.used"
	AttrLimit        = "tokenquota.limit"
	AttrRemaining    = "tokenquota.remaining"
	AttrReservation  = "tokenquota.reservation"
	AttrState        = "tokenquota.state"

	AttrTokensPrompt     = "tokenquota.tokens.prompt"
	AttrTokensCompletion = "tokenquota.tokens.completion"
	AttrTokensTotal      = "tokenquota.tokens.total"
)

// RequestAttributes describes an admission request.
func RequestAttributes(req *quota.AdmissionRequest) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrActor, req.ActorID),
		attribute.String(AttrModel, req.ModelID),
		attribute.Int64(AttrEstimate, req.EstimatedTokens),
	}
	if req.GroupID != "" {
		attrs = append(attrs, attribute.String(AttrGroup, req.GroupID))
	}
	if req.ChannelID != "" {
		attrs = append(attrs, attribute.String(AttrChannel, req.ChannelID))
	}
	return attrs
}

// SetDecisionAttributes records the outcome of Reserve on span.
func SetDecisionAttributes(span trace.Span, d *quota.Decision) {
	if d == nil {
		return
	}
	span.SetAttributes(
		attribute.Bool(AttrAdmit, d.Admit),
		attribute.String(AttrChargeSource, string(d.ChargeSource)),
		attribute.String(AttrScope, d.Scope.Key),
		attribute.Int64(AttrUsed, d.Used),
		attribute.Int64(AttrLimit, int64(d.Limit)),
		attribute.Int64(AttrRemaining, d.Remaining),
	)
	if d.Handle != "" {
		span.SetAttributes(attribute.String(AttrReservation, d.Handle))
	}
}

// SetRecordAttributes records a committed usage record on span.
func SetRecordAttributes(span trace.Span, rec *quota.UsageRecord) {
	if rec == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrChargeSource, string(rec.ChargeSource)),
		attribute.Int64(AttrTokensPrompt, rec.PromptTokens),
		attribute.Int64(AttrTokensCompletion, rec.CompletionTokens),
		attribute.Int64(AttrTokensTotal, rec.TotalTokens),
	)
}
