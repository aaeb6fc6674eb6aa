package util

import (
	"os"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv reads .env from the working directory. Variables already set in
// the process environment win.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// envOr parses the variable key, falling back to def when it is unset or
// does not parse.
func envOr[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		logger.Warn("Ignoring invalid environment value", "key", key, "value", raw)
		return def
	}
	return v
}

// GetEnv returns the variable or "" when unset.
func GetEnv(key string) string {
	return os.Getenv(key)
}

func GetEnvString(key string, defaultValue string) string {
	return envOr(key, defaultValue, func(s string) (string, error) { return s, nil })
}

func GetEnvNumeric(key string, defaultValue float64) float64 {
	return envOr(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvInt accepts "12" as well as "12.0"; fractions are cut off.
func GetEnvInt(key string, defaultValue int) int {
	return int(GetEnvNumeric(key, float64(defaultValue)))
}

// GetEnvBool only accepts the literals true and false.
func GetEnvBool(key string, defaultValue bool) bool {
	return envOr(key, defaultValue, func(s string) (bool, error) {
		switch s {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

// GetEnvDuration parses Go duration strings such as "90s".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return envOr(key, defaultValue, time.ParseDuration)
}
