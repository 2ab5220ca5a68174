package nexus

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("nexus", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != "" {
		t.Fatalf("expected gRPC listener to be disabled, got %q", cfg.GRPCAddr)
	}
	if cfg.DBPath != "data/nexus.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Locale != "en-US" {
		t.Fatalf("expected default locale, got %q", cfg.Locale)
	}
	if cfg.ActorIdleTimeout != 2*time.Minute {
		t.Fatalf("expected default idle timeout, got %s", cfg.ActorIdleTimeout)
	}
	if cfg.StrictAttributes {
		t.Fatal("expected strict attributes to be off")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("NEXUS_HTTP_ADDR", "env-http")
	t.Setenv("NEXUS_DB_PATH", "env.db")
	t.Setenv("NEXUS_ACCESS_ISSUER", "auth.example")
	t.Setenv("NEXUS_STRICT_ATTRIBUTES", "true")
	t.Setenv("NEXUS_ACTOR_IDLE_TIMEOUT", "30s")

	fs := flag.NewFlagSet("nexus", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-grpc-addr", "flag-grpc",
		"-locale", "pt-BR",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != "flag-grpc" {
		t.Fatalf("expected flag grpc addr, got %q", cfg.GRPCAddr)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if cfg.AccessIssuer != "auth.example" {
		t.Fatalf("expected env access issuer, got %q", cfg.AccessIssuer)
	}
	if !cfg.StrictAttributes || cfg.ActorIdleTimeout != 30*time.Second {
		t.Fatalf("expected env strict attributes and idle timeout, got %+v", cfg)
	}
	if cfg.Locale != "pt-BR" {
		t.Fatalf("expected flag locale, got %q", cfg.Locale)
	}
}

func TestParseConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("NEXUS_ACTOR_IDLE_TIMEOUT", "soon")
	fs := flag.NewFlagSet("nexus", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected invalid duration to fail")
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Config{HTTPAddr: "127.0.0.1:0", DBPath: filepath.Join(t.TempDir(), "nexus.db")})
	if err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
