// Package config loads the distributor's settings by layering, in
// increasing priority: built-in defaults, an optional YAML config file, and
// command-line flags. The YAML file is read with a single struct unmarshal
// since this service has one cohesive config surface rather than many
// independently toggled settings.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/gridworks/distributor/internal/logging"
)

// Config is the full set of tunables cmd/distributor wires up.
type Config struct {
	ListenAddr         string        `json:"listenAddr"`
	RegistrationSecret string        `json:"registrationSecret"`
	RequestTimeout     time.Duration `json:"requestTimeout"`
	RetryInterval      time.Duration `json:"retryInterval"`
	HeartbeatInterval  time.Duration `json:"heartbeatInterval"`
	ReapInterval        time.Duration `json:"reapInterval"`

	Logging logging.Config `json:"logging"`

	RedisEnabled  bool   `json:"redisEnabled"`
	RedisHost     string `json:"redisHost"`
	RedisPort     int    `json:"redisPort"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
	RedisChannel  string `json:"redisChannel"`

	AuditEnabled       bool   `json:"auditEnabled"`
	PostgresHost       string `json:"postgresHost"`
	PostgresPort       int    `json:"postgresPort"`
	PostgresUser       string `json:"postgresUser"`
	PostgresPassword   string `json:"postgresPassword"`
	PostgresDatabase   string `json:"postgresDatabase"`

	AuthEnabled  bool `json:"authEnabled"`
	AuthRequired bool `json:"authRequired"`

	// HeartbeatFile, if set, is a path the distributor writes a liveness
	// timestamp to on every health-check tick, for external process
	// supervisors that can't poll an HTTP endpoint.
	HeartbeatFile string `json:"heartbeatFile"`

	MetricsEnabled bool   `json:"metricsEnabled"`
	MetricsAddr    string `json:"metricsAddr"`
}

func defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		RequestTimeout:     30 * time.Second,
		RetryInterval:      250 * time.Millisecond,
		HeartbeatInterval:  5 * time.Second,
		ReapInterval:       time.Minute,
		Logging:            logging.Config{Level: 0, LogDir: "", LogName: "distributor"},
		RedisPort:          6379,
		RedisChannel:       "grid-distributor-events",
		PostgresPort:       5432,
		PostgresDatabase:   "grid_distributor",
		MetricsAddr:        ":9090",
	}
}

// FlagPointers mirrors the RegisterFlags/ToConfig split the logging package
// uses, so flag.Parse() stays the caller's responsibility
// (cmd/distributor calls it once after registering every package's flags).
type FlagPointers struct {
	configFile         *string
	listenAddr         *string
	registrationSecret *string
	requestTimeoutMS   *int
	retryIntervalMS    *int
	heartbeatSeconds   *int
	reapSeconds        *int
	redisEnabled       *bool
	redisHost          *string
	redisPort          *int
	auditEnabled       *bool
	postgresHost       *string
	authEnabled        *bool
	authRequired       *bool
	heartbeatFile      *string
	metricsEnabled     *bool
	metricsAddr        *string
}

// RegisterFlags registers the distributor's own command-line flags. Call
// once, before flag.Parse().
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		configFile:         flag.String("config", "", "Path to a YAML config file"),
		listenAddr:         flag.String("listen-addr", "", "HTTP listen address"),
		registrationSecret: flag.String("registration-secret", "", "Shared secret nodes must present to register"),
		requestTimeoutMS:   flag.Int("request-timeout-ms", 0, "Session request timeout in milliseconds"),
		retryIntervalMS:    flag.Int("retry-interval-ms", 0, "Placement retry delay in milliseconds"),
		heartbeatSeconds:   flag.Int("heartbeat-seconds", 0, "Node health-check interval in seconds"),
		reapSeconds:        flag.Int("reap-seconds", 0, "Orphaned session reap interval in seconds"),
		redisEnabled:       flag.Bool("redis-enabled", false, "Fan events out to Redis pub/sub"),
		redisHost:          flag.String("redis-host", "", "Redis host"),
		redisPort:          flag.Int("redis-port", 0, "Redis port"),
		auditEnabled:       flag.Bool("audit-enabled", false, "Write an audit trail to Postgres"),
		postgresHost:       flag.String("postgres-host", "", "Postgres host"),
		authEnabled:        flag.Bool("auth-enabled", false, "Require authentication on node management endpoints"),
		authRequired:       flag.Bool("auth-required", false, "Reject unauthenticated node management requests"),
		heartbeatFile:      flag.String("heartbeat-file", "", "Path to write a liveness timestamp to on every health-check tick"),
		metricsEnabled:     flag.Bool("metrics-enabled", false, "Serve Prometheus metrics"),
		metricsAddr:        flag.String("metrics-addr", "", "Prometheus metrics listen address"),
	}
}

// Load builds the final Config: defaults, overlaid by the YAML file named
// by -config (if any), overlaid by any flags the caller explicitly set.
// Must be called after flag.Parse().
func (f *FlagPointers) Load() (Config, error) {
	cfg := defaults()

	if *f.configFile != "" {
		data, err := os.ReadFile(*f.configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", *f.configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", *f.configFile, err)
		}
	}

	if *f.listenAddr != "" {
		cfg.ListenAddr = *f.listenAddr
	}
	if *f.registrationSecret != "" {
		cfg.RegistrationSecret = *f.registrationSecret
	}
	if *f.requestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(*f.requestTimeoutMS) * time.Millisecond
	}
	if *f.retryIntervalMS > 0 {
		cfg.RetryInterval = time.Duration(*f.retryIntervalMS) * time.Millisecond
	}
	if *f.heartbeatSeconds > 0 {
		cfg.HeartbeatInterval = time.Duration(*f.heartbeatSeconds) * time.Second
	}
	if *f.reapSeconds > 0 {
		cfg.ReapInterval = time.Duration(*f.reapSeconds) * time.Second
	}
	if *f.redisEnabled {
		cfg.RedisEnabled = true
	}
	if *f.redisHost != "" {
		cfg.RedisHost = *f.redisHost
	}
	if *f.redisPort > 0 {
		cfg.RedisPort = *f.redisPort
	}
	if *f.auditEnabled {
		cfg.AuditEnabled = true
	}
	if *f.postgresHost != "" {
		cfg.PostgresHost = *f.postgresHost
	}
	if *f.authEnabled {
		cfg.AuthEnabled = true
	}
	if *f.authRequired {
		cfg.AuthRequired = true
	}
	if *f.heartbeatFile != "" {
		cfg.HeartbeatFile = *f.heartbeatFile
	}
	if *f.metricsEnabled {
		cfg.MetricsEnabled = true
	}
	if *f.metricsAddr != "" {
		cfg.MetricsAddr = *f.metricsAddr
	}

	return cfg, nil
}
