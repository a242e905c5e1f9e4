package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIBase           string
	WSURL             string
	DBFile            string
	DisplayName       string
	DisplayColor      string
	HistoryLimit      int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	QuiescenceDelay   time.Duration
	TranscriptPath    string
}

func Load() (*Config, error) {
	historyLimit, err := strconv.Atoi(getEnv("HISTORY_LIMIT", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_LIMIT: %w", err)
	}

	reconnectAttempts, err := strconv.Atoi(getEnv("RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONNECT_ATTEMPTS: %w", err)
	}

	reconnectDelay, err := time.ParseDuration(getEnv("RECONNECT_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONNECT_DELAY: %w", err)
	}

	quiescenceDelay, err := time.ParseDuration(getEnv("QUIESCENCE_DELAY", "100ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUIESCENCE_DELAY: %w", err)
	}

	cfg := &Config{
		APIBase:           getEnv("BOLTALKA_API", "http://localhost:8080"),
		WSURL:             getEnv("BOLTALKA_WS", "ws://localhost:8080/ws"),
		DBFile:            getEnv("BOLTALKA_DB", "boltalka.db"),
		DisplayName:       getEnv("DISPLAY_NAME", ""),
		DisplayColor:      getEnv("DISPLAY_COLOR", "#888888"),
		HistoryLimit:      historyLimit,
		ReconnectAttempts: reconnectAttempts,
		ReconnectDelay:    reconnectDelay,
		QuiescenceDelay:   quiescenceDelay,
		TranscriptPath:    getEnv("TRANSCRIPT_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("BOLTALKA_API is required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("BOLTALKA_WS is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be greater than 0")
	}
	if c.QuiescenceDelay < 0 {
		return fmt.Errorf("QUIESCENCE_DELAY must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
