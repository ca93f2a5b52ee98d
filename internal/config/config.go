// Package config loads the coordinator's configuration via viper/pflag,
// the same pattern the teacher's tr1d1um(arguments []string) uses
// (pflag.NewFlagSet + viper.New + v.SetDefault + v.Unmarshal).
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/doorcoordinator/doorserver/internal/model"
)

const applicationName = "doorserver"

// DeviceSeed is one statically-configured device the State Store is
// seeded with at startup.
type DeviceSeed struct {
	ID                    string             `mapstructure:"id"`
	Location              string             `mapstructure:"location"`
	Kind                  model.DeviceKind   `mapstructure:"kind"`
	InitialPhysicalStatus model.PhysicalStatus `mapstructure:"initial_physical_status"`
	InitialLockState      model.LockState    `mapstructure:"initial_lock_state"`
}

// RateLimitConfig holds the Rate Limiter's enumerated options (spec §4.2).
type RateLimitConfig struct {
	MaxAttemptsPerMinute int           `mapstructure:"max_attempts_per_minute"`
	MaxFailedAttempts    int           `mapstructure:"max_failed_attempts"`
	LockoutDuration      time.Duration `mapstructure:"lockout_duration"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	// ExemptAdmin is a policy choice spec.md §9 leaves open; default false,
	// meaning admin is not exempt from rate limiting.
	ExemptAdmin bool `mapstructure:"exempt_admin"`
}

// HeartbeatConfig holds the Connection Registry's heartbeat timing.
type HeartbeatConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongDeadline time.Duration `mapstructure:"pong_deadline"`
}

// Config is the fully-resolved server configuration, one field per
// enumerated option in spec.md §6.
type Config struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	APIPrefix      string   `mapstructure:"api_prefix"`
	WSEndpoint     string   `mapstructure:"ws_endpoint"`

	Devices []DeviceSeed `mapstructure:"devices"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`

	AdminUserID      string `mapstructure:"admin_user_id"`
	LogRetentionSize int    `mapstructure:"log_retention_size"`
}

var defaults = map[string]interface{}{
	"host":                              "0.0.0.0",
	"port":                              8080,
	"allowed_origins":                   []string{"*"},
	"api_prefix":                        "/api",
	"ws_endpoint":                       "/ws",
	"rate_limit.max_attempts_per_minute": 10,
	"rate_limit.max_failed_attempts":     5,
	"rate_limit.lockout_duration":        "60s",
	"rate_limit.cleanup_interval":        "60m",
	"rate_limit.exempt_admin":            false,
	"heartbeat.ping_interval":            "10s",
	"heartbeat.pong_deadline":            "30s",
	"admin_user_id":                      model.AdminUserID,
	"log_retention_size":                 10000,
}

// DefaultSeed is used when no device configuration is supplied, matching
// the two-door fixture spec.md §8's scenarios are written against.
var DefaultSeed = []DeviceSeed{
	{ID: "DOOR-001", Location: "Main Entrance", Kind: model.KindPhysical, InitialPhysicalStatus: model.StatusClosed, InitialLockState: model.LockLocked},
	{ID: "DOOR-002", Location: "Side Entrance", Kind: model.KindVirtual, InitialPhysicalStatus: model.StatusClosed, InitialLockState: model.LockUnlocked},
}

// Load parses arguments and environment into a Config, applying defaults
// for anything unset.
func Load(arguments []string) (*Config, error) {
	f := pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
	v := viper.New()

	configFile := f.StringP("config", "c", "", "path to a configuration file")
	f.String("host", "", "bind host")
	f.Int("port", 0, "bind port")

	if err := f.Parse(arguments); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(applicationName)
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", *configFile, err)
		}
	}

	_ = v.BindPFlags(f)

	cfg := new(Config)
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		durationDecodeHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultSeed
	}

	if cfg.AdminUserID == "" {
		cfg.AdminUserID = model.AdminUserID
	}

	return cfg, nil
}

// durationFromAny uses spf13/cast for config sources (env vars, CLI flags)
// that hand us a duration as a bare string ("60s") rather than an
// already-parsed time.Duration.
func durationFromAny(v interface{}) (time.Duration, error) {
	s, err := cast.ToStringE(v)
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(s)
}

// durationDecodeHookFunc adapts durationFromAny into a mapstructure decode
// hook, so every rate_limit.*/heartbeat.* duration field in Config is
// parsed from the human-readable strings defaults and config files both
// use ("60s", "10m"), the same string shape env vars and CLI flags carry
// a duration in.
func durationDecodeHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		if from.Kind() == reflect.Int64 {
			return data, nil
		}
		return durationFromAny(data)
	}
}
