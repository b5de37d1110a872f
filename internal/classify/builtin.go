package classify

// Structured codes reported by common API clients. Lookups are case-folded.
var builtinCodes = map[string]Category{
	"rate_limited":                    RateLimit,
	"rate_limit_exceeded":             RateLimit,
	"ratelimitexceeded":               RateLimit,
	"userratelimitexceeded":           RateLimit,
	"too_many_requests":               RateLimit,
	"insufficient_quota":              QuotaExceeded,
	"quota_exceeded":                  QuotaExceeded,
	"quotaexceeded":                   QuotaExceeded,
	"dailylimitexceeded":              QuotaExceeded,
	"billing_hard_limit":              QuotaExceeded,
	"unauthorized":                    Authentication,
	"invalid_api_key":                 Authentication,
	"autherror":                       Authentication,
	"restricted_resource":             Authentication,
	"forbidden":                       Authentication,
	"object_not_found":                NotFound,
	"not_found":                       NotFound,
	"notfound":                        NotFound,
	"validation_error":                Validation,
	"invalid_request":                 Validation,
	"invalid_request_error":           Validation,
	"invalid_json":                    Validation,
	"context_length_exceeded":         Validation,
	"conflict_error":                  Transient,
	"internal_server_error":           Transient,
	"server_error":                    Transient,
	"backenderror":                    Transient,
	"service_unavailable":             Transient,
	"gateway_timeout":                 Transient,
	"overloaded_error":                Transient,
	"econnreset":                      Network,
	"econnrefused":                    Network,
	"etimedout":                       Network,
	"enotfound":                       Network,
	"database_connection_unavailable": Transient,
}

// Built-in keyword patterns. QUOTA_EXCEEDED precedes RATE_LIMIT because quota
// messages often mention rate limits, and AUTHENTICATION precedes VALIDATION
// so "invalid api key" is not read as a validation failure. Status numbers
// only count next to "status" or "http" since bare digits turn up in ports
// and identifiers; typed status codes go through StatusCode.
var builtinPatterns = []Pattern{
	{Category: QuotaExceeded, Keywords: []string{
		"insufficient_quota", "quota exceeded", "exceeded your current quota", "quota",
		"billing", "credit balance", "payment required",
	}},
	{Category: RateLimit, Keywords: append([]string{
		"rate limit", "rate_limit", "ratelimit", "too many requests", "throttl", "slow down",
	}, statusPhrases("429")...)},
	{Category: Authentication, Keywords: append([]string{
		"unauthorized", "unauthenticated", "authentication", "invalid api key", "invalid_api_key",
		"api key", "forbidden", "access denied", "invalid token", "token expired",
	}, statusPhrases("401", "403")...)},
	{Category: NotFound, Keywords: append([]string{
		"not found", "object_not_found", "does not exist", "no such file",
	}, statusPhrases("404")...)},
	{Category: Validation, Keywords: append([]string{
		"validation", "invalid", "malformed", "bad request", "unprocessable",
	}, statusPhrases("400", "422")...)},
	{Category: Network, Keywords: []string{
		"connection reset", "connection refused", "connection closed", "no such host",
		"broken pipe", "network", "dial tcp", "tls handshake", "unexpected eof", "dns",
	}},
	{Category: Transient, Keywords: append([]string{
		"timeout", "timed out", "deadline exceeded", "temporarily unavailable", "temporary failure",
		"service unavailable", "try again", "overloaded", "internal server error", "bad gateway",
		"awaiting headers",
	}, statusPhrases("502", "503", "504")...)},
	{Category: System, Keywords: []string{
		"out of memory", "no space left", "disk full", "too many open files", "permission denied",
		"read-only file system",
	}},
}

// statusPhrases renders codes the way client errors usually quote them.
func statusPhrases(codes ...string) []string {
	var phrases []string
	for _, code := range codes {
		phrases = append(phrases, "status "+code, "status code "+code, "status: "+code, "http "+code, "http/1.1 "+code)
	}
	return phrases
}
