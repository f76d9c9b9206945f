package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// CIRCUITLANE_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Useful environment variables:
//   - CIRCUITLANE_DATA_REDIS_ADDR: Redis address for multi-worker sync
//   - MYSQL_DSN or CIRCUITLANE_DATA_DATABASE_SOURCE: audit DB connection
//   - CIRCUITLANE_SERVER_HTTP_ADMIN_TOKEN: operator API bearer token
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CIRCUITLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "CIRCUITLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "CIRCUITLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("server.http.admin_token", "CIRCUITLANE_SERVER_HTTP_ADMIN_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var backends []*Backend
	if err := v.UnmarshalKey("backends", &backends); err != nil {
		return nil, fmt.Errorf("failed to parse backends configuration: %w", err)
	}
	applyBreakerDefaults(backends)

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network:    v.GetString("server.http.network"),
				Addr:       v.GetString("server.http.addr"),
				Timeout:    durationpb.New(v.GetDuration("server.http.timeout")),
				AdminToken: v.GetString("server.http.admin_token"),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Sync: &Sync{
			KeyPrefix: v.GetString("sync.key_prefix"),
			StateTTL:  durationpb.New(v.GetDuration("sync.state_ttl")),
		},
		Backends: backends,
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}
	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", time.Minute)

	// Note: data.database.source is optional; auditing degrades without it.
	v.SetDefault("data.database.driver", "mysql")

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("sync.key_prefix", "circuitlane")
	v.SetDefault("sync.state_ttl", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// applyBreakerDefaults fills unset breaker thresholds per backend.
func applyBreakerDefaults(backends []*Backend) {
	for _, b := range backends {
		if b.Breaker.FailureThreshold == 0 {
			b.Breaker.FailureThreshold = 5
		}
		if b.Breaker.RecoveryTimeout == 0 {
			b.Breaker.RecoveryTimeout = 30 * time.Second
		}
		if b.Breaker.HalfOpenMaxCalls == 0 {
			b.Breaker.HalfOpenMaxCalls = 2
		}
	}
}

// Validate checks that the configuration is coherent. It returns an error
// listing every problem found.
func Validate(bc *Bootstrap) error {
	var problems []string

	names := make(map[string]bool)
	priorities := make(map[int]string)
	for _, b := range bc.Backends {
		if b.Name == "" {
			problems = append(problems, "backends[].name is required")
			continue
		}
		if names[b.Name] {
			problems = append(problems, fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		names[b.Name] = true
		if other, taken := priorities[b.Priority]; taken {
			problems = append(problems, fmt.Sprintf("backends %q and %q share priority %d", other, b.Name, b.Priority))
		}
		priorities[b.Priority] = b.Name
		if b.Breaker.FailureThreshold < 1 {
			problems = append(problems, fmt.Sprintf("backend %q: breaker.failure_threshold must be >= 1", b.Name))
		}
		if b.Breaker.HalfOpenMaxCalls < 1 {
			problems = append(problems, fmt.Sprintf("backend %q: breaker.half_open_max_calls must be >= 1", b.Name))
		}
		if b.Breaker.RecoveryTimeout <= 0 {
			problems = append(problems, fmt.Sprintf("backend %q: breaker.recovery_timeout must be positive", b.Name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
