// Package sanitize normalizes analysis records before persistence. Model
// output reaches this layer as loosely-shaped map[string]any data; Cleanse
// strips nulls and junk recursively, and Finalize guarantees the fixed
// response schema so downstream consumers never see a missing key.
package sanitize

import (
	"math"
	"strconv"
	"strings"
)

// Cleanse recursively normalizes a decoded JSON value:
//
//   - nil becomes an empty string
//   - map entries whose cleansed value is nil, an empty string, or an empty
//     collection are dropped
//   - slice elements are kept only as strings: non-blank trimmed strings
//     stay, non-zero numbers are coerced to strings, everything else
//     (including nested maps and slices) is dropped
//   - non-finite numbers become 0
//   - strings are trimmed
//
// Booleans and numbers otherwise pass through unchanged. Any non-JSON kind
// is replaced with an empty string. Cleanse is idempotent.
func Cleanse(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			cleaned := Cleanse(elem)
			if isEmpty(cleaned) {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			switch e := elem.(type) {
			case string:
				if s := strings.TrimSpace(e); s != "" {
					out = append(out, s)
				}
			default:
				if n, ok := asFloat(elem); ok && n != 0 && !nonFinite(n) {
					out = append(out, strconv.FormatFloat(n, 'f', -1, 64))
				}
			}
		}
		return out
	case string:
		return strings.TrimSpace(val)
	case bool:
		return val
	case float64:
		if nonFinite(val) {
			return float64(0)
		}
		return val
	case float32:
		f := float64(val)
		if nonFinite(f) {
			return float64(0)
		}
		return f
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	default:
		return ""
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func nonFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// documentDefaults is the default per-document summary installed for
// payslipData and policyData.
func documentDefaults() map[string]any {
	return map[string]any{
		"raw_text":         "",
		"extracted_length": 0,
		"analysis_method":  "none",
		"has_content":      false,
	}
}

// recordDefaults enumerate every required top-level key of a persisted
// analysis record with its default value.
func recordDefaults() map[string]any {
	return map[string]any{
		"taxSavingTips":      []any{},
		"estimatedSavings":   0,
		"recommendedActions": []any{},
		"taxLiability": map[string]any{
			"current":   0,
			"potential": 0,
			"savings":   0,
		},
		"payslipData":        documentDefaults(),
		"policyData":         documentDefaults(),
		"ai_generated":       false,
		"response_time":      0,
		"analysis_timestamp": "",
		"model_used":         "unknown",
		"system":             "tax-advisor",
	}
}

// Finalize installs defaults for every required key that is absent or nil.
// Map-valued defaults are merged sub-key by sub-key, so a partially filled
// payslipData keeps its present fields and only gains the missing ones.
// The returned map always contains the complete schema.
func Finalize(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for key, def := range recordDefaults() {
		cur, ok := out[key]
		if !ok || cur == nil {
			out[key] = def
			continue
		}
		defMap, wantMap := def.(map[string]any)
		if !wantMap {
			continue
		}
		curMap, isMap := cur.(map[string]any)
		if !isMap {
			out[key] = defMap
			continue
		}
		for sub, subDef := range defMap {
			if v, ok := curMap[sub]; !ok || v == nil {
				curMap[sub] = subDef
			}
		}
	}
	return out
}
