package logging

import (
	"log/slog"
	"strings"
)

type infoField struct {
	label string
	value string
}

const infoAttrLimit = 8

// Keys rendered first, in this order, on INFO and above.
var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	"from_stage",
	"to_stage",
	FieldErrorCategory,
	FieldErrorCode,
	"error_message",
	FieldErrorHint,
	FieldRetryCount,
	"max_retries",
	FieldBackoff,
	"next_attempt_at",
	FieldBreakerState,
	"wait",
	"status",
	"completion_rate",
	"failure_rate",
	"throughput_per_hour",
	"eta",
	"stage_duration",
	"reason",
}

// selectInfoFields returns formatted info-level fields and a count of hidden entries.
// limit=0 means no limit. includeDebug controls whether debug-only keys are allowed.
func selectInfoFields(attrs []kv, limit int, includeDebug bool) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	if limit < 0 {
		limit = 0
	}
	used := make([]bool, len(attrs))
	result := make([]infoField, 0, infoAttrLimit)
	hidden := 0

	accept := func(idx int) {
		attr := attrs[idx]
		used[idx] = true
		if skipInfoKey(attr.key) {
			return
		}
		if !includeDebug && isDebugOnlyKey(attr.key) {
			hidden++
			return
		}
		val := formatValueForKey(attr.key, attr.value)
		if !includeDebug && shouldHideInfoValue(attr.key, val) {
			hidden++
			return
		}
		if limit > 0 && len(result) >= limit {
			hidden++
			return
		}
		result = append(result, infoField{label: displayLabel(attr.key), value: val})
	}

	for _, key := range infoHighlightKeys {
		for idx, attr := range attrs {
			if !used[idx] && attr.key == key {
				accept(idx)
				break
			}
		}
	}
	for idx := range attrs {
		if !used[idx] {
			accept(idx)
		}
	}
	return result, hidden
}

// formatValueForKey applies friendlier formatting based on the key name.
func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()

	if isDurationKey(key) && v.Kind() == slog.KindDuration {
		return formatDurationHuman(v.Duration())
	}
	if isRateKey(key) && v.Kind() == slog.KindFloat64 {
		return formatPercent(v.Float64() * 100)
	}
	if v.Kind() == slog.KindBool {
		if v.Bool() {
			return "yes"
		}
		return "no"
	}

	value := formatValue(v)
	if key == "error" || key == "error_message" {
		value = truncateErrorValue(value)
	}
	return value
}

func isDurationKey(key string) bool {
	return strings.HasSuffix(key, "_duration") ||
		strings.HasSuffix(key, "_elapsed") ||
		key == "elapsed" ||
		key == "duration" ||
		key == "eta" ||
		key == "wait" ||
		key == FieldBackoff
}

func isRateKey(key string) bool {
	return strings.HasSuffix(key, "_rate")
}

func truncateErrorValue(value string) string {
	value = strings.TrimSpace(value)
	const maxLen = 200
	if len(value) > maxLen {
		value = value[:maxLen] + "…"
	}
	return value
}

func skipInfoKey(key string) bool {
	switch key {
	case "", FieldItemID, FieldStage, FieldDependency, FieldComponent:
		return true
	default:
		return false
	}
}

func isDebugOnlyKey(key string) bool {
	if key == "" {
		return true
	}
	switch key {
	case FieldCorrelationID, FieldAttempt, "worker", "cost", "db_path":
		return true
	}
	if strings.HasSuffix(key, "_id") && key != FieldItemID {
		return true
	}
	return strings.Contains(key, "_path") || strings.Contains(key, "_dir")
}

func shouldHideInfoValue(key, value string) bool {
	switch key {
	case "error_message", "error", FieldErrorHint:
		return false
	}
	return len(value) > 120
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldErrorCategory:
		return "Category"
	case FieldErrorCode:
		return "Error Code"
	case FieldErrorHint:
		return "Hint"
	case FieldRetryCount:
		return "Retries"
	case "max_retries":
		return "Retry Budget"
	case FieldBackoff:
		return "Backoff"
	case "next_attempt_at":
		return "Next Attempt"
	case FieldBreakerState:
		return "Breaker"
	case "from_stage":
		return "From"
	case "to_stage":
		return "To"
	case "throughput_per_hour":
		return "Throughput/h"
	case "eta":
		return "ETA"
	case "stage_duration":
		return "Duration"
	default:
		return titleizeKey(key)
	}
}

func titleizeKey(key string) string {
	if key == "" {
		return ""
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
	}
	for i, part := range parts {
		parts[i] = capitalizeASCII(part)
	}
	return strings.Join(parts, " ")
}

func capitalizeASCII(value string) string {
	switch len(value) {
	case 0:
		return ""
	case 1:
		return strings.ToUpper(value)
	default:
		lower := strings.ToLower(value)
		return strings.ToUpper(lower[:1]) + lower[1:]
	}
}

// infoSummaryKey groups repeated INFO lines so unchanged fields are printed once per item.
func infoSummaryKey(component, itemID string) string {
	if itemID = strings.TrimSpace(itemID); itemID != "" {
		return itemID
	}
	return component
}
