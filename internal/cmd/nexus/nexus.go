// Package nexus parses nexus command flags and composes the service entrypoint.
package nexus

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/nexus/internal/platform/cmd"
	server "github.com/louisbranch/nexus/internal/services/nexus/app"
)

// Config holds nexus command configuration. Variables carry the NEXUS_ prefix.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR"          envDefault:":8090"`
	GRPCAddr         string        `env:"GRPC_ADDR"`
	DBPath           string        `env:"DB_PATH"            envDefault:"data/nexus.db"`
	AccessIssuer     string        `env:"ACCESS_ISSUER"`
	AccessAudience   string        `env:"ACCESS_AUDIENCE"`
	AccessPublicKey  string        `env:"ACCESS_PUBLIC_KEY"`
	StrictAttributes bool          `env:"STRICT_ATTRIBUTES"`
	Locale           string        `env:"LOCALE"             envDefault:"en-US"`
	ActorIdleTimeout time.Duration `env:"ACTOR_IDLE_TIMEOUT" envDefault:"2m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "nexus HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables it)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.BoolVar(&cfg.StrictAttributes, "strict-attributes", cfg.StrictAttributes, "reject allocation keys missing from the attribute catalog")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for presence notices")
	fs.DurationVar(&cfg.ActorIdleTimeout, "actor-idle-timeout", cfg.ActorIdleTimeout, "idle time before a character actor is released")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the nexus app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceNexus, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			GRPCAddr:         cfg.GRPCAddr,
			DBPath:           cfg.DBPath,
			AccessIssuer:     cfg.AccessIssuer,
			AccessAudience:   cfg.AccessAudience,
			AccessPublicKey:  cfg.AccessPublicKey,
			StrictAttributes: cfg.StrictAttributes,
			Locale:           cfg.Locale,
			ActorIdleTimeout: cfg.ActorIdleTimeout,
		}); err != nil {
			return fmt.Errorf("serve nexus: %w", err)
		}
		return nil
	})
}
