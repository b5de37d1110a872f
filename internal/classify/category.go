package classify

import "strings"

// Category is the error taxonomy shared by the retry resolver, the
// coordinator, and the status store's error log.
type Category string

const (
	Transient      Category = "TRANSIENT"
	RateLimit      Category = "RATE_LIMIT"
	Authentication Category = "AUTHENTICATION"
	NotFound       Category = "NOT_FOUND"
	Validation     Category = "VALIDATION"
	QuotaExceeded  Category = "QUOTA_EXCEEDED"
	Network        Category = "NETWORK"
	System         Category = "SYSTEM"
	Unknown        Category = "UNKNOWN"
)

var allCategories = []Category{
	Transient,
	RateLimit,
	Authentication,
	NotFound,
	Validation,
	QuotaExceeded,
	Network,
	System,
	Unknown,
}

// Categories returns every category in declaration order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory accepts "RATE_LIMIT", "rate_limit", or "rate-limit".
func ParseCategory(value string) (Category, bool) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), "-", "_"))
	for _, c := range allCategories {
		if string(c) == normalized {
			return c, true
		}
	}
	return Unknown, false
}

// Key returns the lower-case spelling used in configuration maps.
func (c Category) Key() string {
	return strings.ToLower(string(c))
}

func (c Category) String() string { return string(c) }
