// Package config resolves process configuration for the chime binaries.
// Every setting is a command line flag that a CHIME_* environment variable
// can supply when the flag is left at its zero value. A .env file in the
// working directory is read first; variables already set in the environment
// win over the file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CHIME_"

// Lookup reads an environment variable. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// LoadDotEnv loads the named files (".env" when none are given). Missing
// files are skipped; existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

type env struct {
	lookup Lookup
}

func newEnv(lookup Lookup) env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return env{lookup: lookup}
}

func (e env) get(key string) string {
	value, _ := e.lookup(EnvPrefix + key)
	return strings.TrimSpace(value)
}

func (e env) str(flagValue, key string, fallback ...string) string {
	values := append([]string{flagValue, e.get(key)}, fallback...)
	return FirstNonEmpty(values...)
}

func (e env) list(flagValue, key string) []string {
	return SplitAndTrim(FirstNonEmpty(flagValue, e.get(key)))
}

func (e env) integer(flagValue int, key string, fallback int) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if raw := e.get(key); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, invalid(key, raw, err)
		}
		return value, nil
	}
	return fallback, nil
}

func (e env) float(flagValue float64, key string) (float64, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if raw := e.get(key); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, invalid(key, raw, err)
		}
		return value, nil
	}
	return 0, nil
}

func (e env) duration(flagValue time.Duration, key string, fallback time.Duration) (time.Duration, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if raw := e.get(key); raw != "" {
		value, err := time.ParseDuration(raw)
		if err != nil {
			return 0, invalid(key, raw, err)
		}
		return value, nil
	}
	return fallback, nil
}

func (e env) boolean(flagValue bool, key string) (bool, error) {
	if flagValue {
		return true, nil
	}
	if raw := e.get(key); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return false, invalid(key, raw, err)
		}
		return value, nil
	}
	return false, nil
}

// FirstNonEmpty returns the first value that is not blank, trimmed.
func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// SplitAndTrim splits a comma separated list and drops empty items.
func SplitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
