package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${NAME} and ${NAME:default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} and ${VAR:default} references in raw
// with the corresponding environment variable, falling back to the given
// default (or the empty string) when unset.
func SubstituteEnvVars(raw string) string {
	return envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// Environment reports the deployment environment from DRIFT_ENV, defaulting
// to "development".
func Environment() string {
	if v := os.Getenv("DRIFT_ENV"); v != "" {
		return v
	}
	return "development"
}

// IsProduction reports whether Environment() is "production".
func IsProduction() bool {
	return Environment() == "production"
}

// IsDevelopment reports whether Environment() is "development".
func IsDevelopment() bool {
	return Environment() == "development"
}
