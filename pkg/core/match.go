package core

import (
	"encoding/json"
	"fmt"
)

// Match is a record drained from a subscription, as broadcast to clients.
type Match struct {
	SubscriptionID string         `json:"subscription_id"`
	TsUnixMs       int64          `json:"ts_unix_ms"`
	Time           string         `json:"time"`
	Field          string         `json:"field,omitempty"`
	Value          any            `json:"value,omitempty"`
	Record         map[string]any `json:"record"`
}

// NewMatch builds a Match for rec. Field may be empty, in which case Value is nil.
func NewMatch(subscriptionID, field string, tsUnixMs int64, rec *Record) Match {
	m := Match{
		SubscriptionID: subscriptionID,
		TsUnixMs:       tsUnixMs,
		Time:           rec.Time(),
		Field:          field,
		Record:         rec.Fields(),
	}
	if field != "" {
		m.Value, _ = rec.Get(field)
	}
	return m
}

// String renders the match the way `rtlstream watch` prints it.
func (m Match) String() string {
	if m.Field == "" {
		b, _ := json.Marshal(m.Record)
		return fmt.Sprintf("%s: %s", m.Time, b)
	}
	return fmt.Sprintf("%s: %s = %s", m.Time, m.Field, FormatValue(m.Value))
}

// FormatValue renders a decoded field value for display. Numbers keep their
// shortest form.
func FormatValue(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return formatID(v)
}
