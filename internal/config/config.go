// Package config reads the process env surface once at startup. A .env file
// is honored when present; real environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Load initializes env (godotenv, best-effort) and returns the logger entry
// for a service. LOG_LEVEL and LOG_FILE are shared across services.
func Load(service string) *logrus.Entry {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(Str("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		log.SetOutput(&lumberjack.Logger{Filename: file, MaxSize: 50, MaxBackups: 5})
	}
	return log.WithField("service", service)
}

// Str returns the env var or a default.
func Str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns the env var parsed as int, or a default.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Require returns the env var or an error naming it.
func Require(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("missing required env %s", key)
	}
	return v, nil
}

// Addr builds the listen address from PORT (or a per-service default).
func Addr(defPort int) string {
	return fmt.Sprintf(":%d", Int("PORT", defPort))
}
