// Package config loads the process/Replication configuration the spec
// names in §6. Parsing a particular file format is explicitly out of
// scope; values arrive as flags or environment variables and are handed
// to the core as a plain struct.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the loaded settings. Its Mode field is a plain string rather
// than cluster.Mode, so config stays a leaf package; cluster.ParseMode
// re-validates the string.
type Config struct {
	Mode   string // "slave" | "proxy" | "master"
	Source string // defaults to host name

	Server string // peer WebSocket base URL
	Auth   string // auth server base URL

	Provider    string
	Application string
	OAuth2Path  string // path to provider credentials file

	DatabaseURL string // pgx connection string
	ListenAddr  string // operator status endpoint, e.g. ":8090"

	MaxQueue     int // drain concurrency cap; 0 => derived from pool min conns
	MaxInFlight  int // per-peer inFlight cap (§9); 0 => defaults to MaxQueue
	PoolMinConns int
}

// FromFlags parses args (os.Args[1:] in production) into a Config,
// applying the defaults §6 specifies.
func FromFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("replicator", flag.ContinueOnError)

	hostname, _ := os.Hostname()

	cfg := Config{}
	fs.StringVar(&cfg.Mode, "mode", "slave", "slave|proxy|master")
	fs.StringVar(&cfg.Source, "source", hostname, "this node's logical source name")
	fs.StringVar(&cfg.Server, "server", "", "peer WebSocket base URL")
	fs.StringVar(&cfg.Auth, "auth", "", "auth server base URL")
	fs.StringVar(&cfg.Provider, "provider", "", "OAuth2 provider id")
	fs.StringVar(&cfg.Application, "application", "", "OAuth2 application id")
	fs.StringVar(&cfg.OAuth2Path, "oauth2", "", "path to provider credentials file")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "pgx connection string")
	fs.StringVar(&cfg.ListenAddr, "listen", ":8090", "operator status endpoint address")
	fs.IntVar(&cfg.MaxQueue, "max-queue", 0, "work queue concurrency cap (0 = derive from pool)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", 0, "per-peer inFlight cap (0 = MaxQueue)")
	fs.IntVar(&cfg.PoolMinConns, "pool-min-conns", 4, "database pool minimum connections")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.applyEnvOverrides()

	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = cfg.PoolMinConns
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.MaxQueue
	}
	return cfg, nil
}

// applyEnvOverrides lets REPL_* environment variables override flag
// defaults, for container deployments that prefer env config.
func (c *Config) applyEnvOverrides() {
	overrides := map[string]*string{
		"REPL_MODE":        &c.Mode,
		"REPL_SOURCE":      &c.Source,
		"REPL_SERVER":      &c.Server,
		"REPL_AUTH":        &c.Auth,
		"REPL_PROVIDER":    &c.Provider,
		"REPL_APPLICATION": &c.Application,
		"REPL_OAUTH2":      &c.OAuth2Path,
		"REPL_DATABASE_URL": &c.DatabaseURL,
		"REPL_LISTEN":      &c.ListenAddr,
	}
	for env, field := range overrides {
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			*field = v
		}
	}
	if v, ok := os.LookupEnv("REPL_MAX_QUEUE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueue = n
		}
	}
	if v, ok := os.LookupEnv("REPL_MAX_IN_FLIGHT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxInFlight = n
		}
	}
}

// Validate checks the minimal set of fields the core cannot run without.
func (c Config) Validate() error {
	switch c.Mode {
	case "slave", "proxy", "master":
	default:
		return fmt.Errorf("invalid mode %q: must be slave, proxy, or master", c.Mode)
	}
	if c.Server == "" {
		return fmt.Errorf("server (peer WebSocket base URL) is required")
	}
	if c.Auth == "" {
		return fmt.Errorf("auth (auth server base URL) is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	return nil
}
