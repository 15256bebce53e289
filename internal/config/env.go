package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "KEYREPLAY_"

// ApplyEnv overrides cfg from environ entries ("KEY=value") of the form
// KEYREPLAY_<SECTION>_<KEY>, e.g. KEYREPLAY_VISION_POLL_INTERVAL=250ms.
// Variables naming no known setting are ignored.
func ApplyEnv(cfg *Config, environ []string) error {
	overrides := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, setting, ok := envToPath(name)
		if !ok {
			continue
		}
		table, _ := overrides[section].(map[string]any)
		if table == nil {
			table = make(map[string]any)
			overrides[section] = table
		}
		table[setting] = parseValue(value)
	}
	if len(overrides) == 0 {
		return nil
	}

	data, err := toml.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encoding environment overrides: %w", err)
	}
	return decode(cfg, "environment", data, false)
}

// envToPath converts KEYREPLAY_VISION_POLL_INTERVAL to ("vision",
// "poll_interval").
func envToPath(env string) (string, string, bool) {
	name := strings.ToLower(strings.TrimPrefix(env, EnvPrefix))
	section, setting, ok := strings.Cut(name, "_")
	if !ok || section == "" || setting == "" {
		return "", "", false
	}
	return section, setting, true
}

// parseValue attempts to parse the string value into an appropriate type.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	// Only values with a decimal point are floats.
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
