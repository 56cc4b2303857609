package api

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ErrorResponse is the JSON error envelope every failing endpoint returns.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"requestId"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
}

// SessionResponse describes a session start outcome.
type SessionResponse struct {
	Username string          `json:"username"`
	Existing bool            `json:"existing"`
	Ready    bool            `json:"ready"`
	Reason   string          `json:"reason,omitempty"`
	Target   *TargetResponse `json:"target,omitempty"`
}

// TargetResponse is the proxy address of a ready session.
type TargetResponse struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken"`
}

// StatusResponse is the read-only session state.
type StatusResponse struct {
	Username string          `json:"username"`
	Running  bool            `json:"running"`
	Ready    bool            `json:"ready"`
	Target   *TargetResponse `json:"target,omitempty"`
}

// LogsResponse carries trailing backend log lines.
type LogsResponse struct {
	Username string   `json:"username"`
	Lines    []string `json:"lines"`
}

// Config holds the control-plane server configuration.
type Config struct {
	Address string
	Port    int

	RateLimit      rate.Limit
	RateLimitBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	LogLevel slog.Level
}

// DefaultConfig returns the baseline server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         "",
		Port:            8080,
		RateLimit:       100,
		RateLimitBurst:  200,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelInfo,
	}
}
