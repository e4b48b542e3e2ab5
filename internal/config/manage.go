package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never shown.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if val == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: val})
	}
	return result
}

// SetKey writes a config key to the config file. Secrets go to the secret
// store instead.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), defaultSecrets(), key, value)
}

func setKey(b ConfigBackend, secrets fileSecrets, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return secrets.Set(key, value)
		}
		if _, err := parse(s.typ, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.typ == kInt {
			v, _ := parse(kInt, value)
			return b.SetInt(key, v.(int))
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key: %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
