package gateway

import "errors"

// Sentinel errors used across packages. Handlers map these to the error
// envelope via ErrorCode and its HTTP status.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrWalletExhausted   = errors.New("wallet exhausted")
	ErrPolicyDenied      = errors.New("denied by policy")
	ErrSecurityViolation = errors.New("security violation")
	ErrBadRequest        = errors.New("bad request")
	ErrKeyExpired        = errors.New("api key expired")
	ErrKeyBlocked        = errors.New("api key blocked")
	ErrModelNotAllowed   = errors.New("model not allowed")
	ErrNoConnector       = errors.New("no connector available")
	ErrUpstreamExhausted = errors.New("all upstream connectors failed")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrLedgerChainBroken = errors.New("ledger hash chain broken")
	ErrWalletConcurrency = errors.New("wallet concurrent update conflict")
	ErrApprovalRequired  = errors.New("approval required")
	ErrQuarantined       = errors.New("request quarantined")
)

// Machine-readable error codes carried in the error envelope.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeWalletExhausted      = "wallet_exhausted"
	CodePolicyDenied         = "policy_denied"
	CodeSecurityViolation    = "security_violation"
	CodeQuarantined          = "quarantined"
	CodeRateLimited          = "rate_limited"
	CodeInvalidRequest       = "invalid_request"
	CodeNotFound             = "not_found"
	CodeInternalError        = "internal_error"
	CodeUpstreamExhausted    = "upstream_exhausted"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeTimeout              = "timeout"
)

// ErrorCode maps an error to its envelope code. Unknown errors are internal.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrKeyExpired), errors.Is(err, ErrKeyBlocked):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrWalletExhausted):
		return CodeWalletExhausted
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrPolicyDenied),
		errors.Is(err, ErrModelNotAllowed), errors.Is(err, ErrApprovalRequired):
		return CodePolicyDenied
	case errors.Is(err, ErrSecurityViolation):
		return CodeSecurityViolation
	case errors.Is(err, ErrQuarantined):
		return CodeQuarantined
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUpstreamExhausted):
		return CodeUpstreamExhausted
	case errors.Is(err, ErrNoConnector):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrUpstreamTimeout):
		return CodeTimeout
	default:
		return CodeInternalError
	}
}

// StatusForCode maps an envelope code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeAuthenticationFailed:
		return 401
	case CodeWalletExhausted:
		return 402
	case CodePolicyDenied:
		return 403
	case CodeNotFound:
		return 404
	case CodeSecurityViolation, CodeQuarantined:
		return 422
	case CodeRateLimited:
		return 429
	case CodeInvalidRequest:
		return 400
	case CodeUpstreamExhausted:
		return 502
	case CodeUpstreamUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}
