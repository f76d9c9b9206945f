// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment
// variables, with sensible defaults for local development.
package conf

import (
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration.
type Bootstrap struct {
	Server   *Server
	Data     *Data
	Sync     *Sync
	Backends []*Backend
	Log      *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP configures the operator HTTP server.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
	// AdminToken, when set, is required as a bearer token on every
	// mutating operator endpoint.
	AdminToken string
}

// Data holds datastore configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the optional audit database.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis configures the shared-state Redis instance.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Sync configures cross-worker state synchronization.
type Sync struct {
	// KeyPrefix namespaces every state key, lock key and the event
	// channel, so independent deployments can share one Redis.
	KeyPrefix string
	// StateTTL bounds how long persisted snapshots live.
	StateTTL *durationpb.Duration
}

// Backend declares one upstream completion backend.
type Backend struct {
	Name     string         `mapstructure:"name"`
	Model    string         `mapstructure:"model"`
	Priority int            `mapstructure:"priority"`
	Breaker  BackendBreaker `mapstructure:"breaker"`
}

// BackendBreaker holds the per-backend breaker thresholds.
type BackendBreaker struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls    int           `mapstructure:"half_open_max_calls"`
	CountedFailureKinds []string      `mapstructure:"counted_failure_kinds"`
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
