package config

import "os"

// ConfigPath is the default config file, overridable with FLOWNOTE_CONFIG.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := os.Getenv("FLOWNOTE_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}
