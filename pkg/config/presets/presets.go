// Package presets generates starter configurations for common sensors.
package presets

import (
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/modoterra/rtlstream/pkg/config"
)

// Preset describes a sensor rtl_433 can decode.
type Preset struct {
	Name        string
	Description string
	Protocol    int
	Model       string
	Fields      []string
}

var presets = []Preset{
	{
		Name:        "acurite-275rm",
		Description: "Acurite 00275rm temperature and humidity sensor",
		Protocol:    74,
		Model:       "00275rm",
		Fields:      []string{"temperature_C", "humidity"},
	},
	{
		Name:        "acurite-606tx",
		Description: "Acurite 606TX temperature sensor",
		Protocol:    55,
		Model:       "606TX",
		Fields:      []string{"temperature_C"},
	},
}

// All returns the known presets sorted by name.
func All() []Preset {
	out := slices.Clone(presets)
	slices.SortFunc(out, func(a, b Preset) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Lookup finds a preset by name.
func Lookup(name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Generate creates a configuration with one subscription per preset field.
// An empty deviceID subscribes to every device of the model.
func Generate(name, deviceID string) (*config.Config, error) {
	p, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}

	c := config.Default()

	// Prefer an absolute decoder path when one is installed.
	if path, err := exec.LookPath(c.RTL433.Path); err == nil {
		c.RTL433.Path = path
	}

	for _, field := range p.Fields {
		key := p.Name + "-" + strings.ToLower(strings.TrimSuffix(field, "_C"))
		if deviceID != "" {
			key = p.Name + "-" + deviceID + "-" + strings.ToLower(strings.TrimSuffix(field, "_C"))
		}
		c.Subscriptions[key] = config.Subscription{
			Protocol: p.Protocol,
			Model:    p.Model,
			DeviceID: deviceID,
			Field:    field,
		}
	}
	return c, nil
}
