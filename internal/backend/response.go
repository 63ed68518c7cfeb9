package backend

import (
	"encoding/json"
	"strconv"
)

// nestedKey is the field some backend replies wrap their payload in.
const nestedKey = "response"

// Field names accepted for each value, in lookup order.
var (
	callIDKeys    = []string{"callId", "call_id"}
	sessionIDKeys = []string{"call_session_id", "callSessionId", "sessionId", "session_id"}
	tokenKeys     = []string{"token"}
	addressKeys   = []string{"url", "serverUrl"}
)

// MergeResponse flattens an allocation reply: top-level fields overlaid with
// the fields nested under "response". Nested values win on collision.
func MergeResponse(raw map[string]any) map[string]any {
	merged := make(map[string]any, len(raw))
	for k, v := range raw {
		merged[k] = v
	}
	if nested, ok := raw[nestedKey].(map[string]any); ok {
		for k, v := range nested {
			merged[k] = v
		}
	}
	return merged
}

// parseAllocation extracts identifiers and join credentials from a merged
// reply. Missing values come back empty.
func parseAllocation(merged map[string]any) Allocation {
	return Allocation{
		CallID:      stringField(merged, callIDKeys...),
		SessionID:   stringField(merged, sessionIDKeys...),
		JoinToken:   stringField(merged, tokenKeys...),
		JoinAddress: stringField(merged, addressKeys...),
	}
}

// stringField returns the first non-empty value among keys, rendering
// numeric identifiers as decimal strings.
func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
