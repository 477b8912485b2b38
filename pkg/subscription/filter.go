package subscription

import (
	"fmt"
	"strings"

	"github.com/modoterra/rtlstream/pkg/core"
)

// Matcher tests whether a record should be delivered.
type Matcher interface {
	Matches(rec *core.Record) bool
}

// Filter selects records by model substring, device id and field presence.
// Empty DeviceID and Field are wildcards. Protocol only selects which
// decoders rtl_433 enables; it plays no part in matching.
type Filter struct {
	Protocol int    `json:"protocol" yaml:"protocol"`
	Model    string `json:"model"    yaml:"model"`
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Field    string `json:"field,omitempty"     yaml:"field,omitempty"`
}

// Matches reports whether rec satisfies all three predicates.
func (f Filter) Matches(rec *core.Record) bool {
	if !strings.Contains(rec.Model(), f.Model) {
		return false
	}
	if f.DeviceID != "" && (!rec.HasID() || rec.IDString() != f.DeviceID) {
		return false
	}
	if f.Field != "" && !rec.Has(f.Field) {
		return false
	}
	return true
}

func (f Filter) String() string {
	return fmt.Sprintf("%s: %d, %s, %s", f.Field, f.Protocol, f.Model, f.DeviceID)
}
