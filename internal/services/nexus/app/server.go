// Package server hosts the nexus HTTP/WebSocket boundary and its optional
// gRPC health listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
	platformgrpc "github.com/louisbranch/nexus/internal/platform/grpc"
	"github.com/louisbranch/nexus/internal/platform/id"
	"github.com/louisbranch/nexus/internal/platform/timeouts"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/presence"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/pulse"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/rooms"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/vitals"
	"github.com/louisbranch/nexus/internal/services/nexus/storage/sqlite"
)

const (
	tokenCookieName = "nexus_token"

	// healthServiceName is reported SERVING on the gRPC health listener.
	healthServiceName = "nexus.v1.Nexus"

	maxFramePayloadBytes   = 16 * 1024
	maxFrameBytes          = maxFramePayloadBytes + 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	// peerQueueSize bounds the frames buffered for one slow connection.
	peerQueueSize = 64

	maxDeltaMagnitude = 1_000_000
)

var (
	errMasterRequired   = apperrors.New(apperrors.CodeUnauthorized, "only the master may do this")
	errIdentityRequired = apperrors.New(apperrors.CodeUnauthorized, "a verified identity is required")
)

// Config defines the inputs for the nexus transport boundary.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health listener when set.
	GRPCAddr string
	DBPath   string

	AccessIssuer    string
	AccessAudience  string
	AccessPublicKey string

	StrictAttributes bool
	Locale           string
	ActorIdleTimeout time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	FrameWriteTimeout time.Duration
}

// Server hosts the nexus HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcServer      *gogrpc.Server
	vitals          *vitals.Service
	store           *sqlite.Store
}

// NewServer opens storage and builds a configured server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.FrameWriteTimeout <= 0 {
		config.FrameWriteTimeout = timeouts.FrameWrite
	}

	verifier, err := newAccessVerifier(config.AccessIssuer, config.AccessAudience, config.AccessPublicKey, nil)
	if err != nil {
		return nil, fmt.Errorf("configure access verification: %w", err)
	}
	if verifier == nil {
		log.Printf("nexus: access verification disabled, every connection is anonymous")
	}
	notices, err := newNotices(config.Locale)
	if err != nil {
		return nil, fmt.Errorf("build presence notices: %w", err)
	}

	store, err := openNexusStore(dbPath)
	if err != nil {
		return nil, err
	}

	router := rooms.NewRouter(log.Printf)
	service, err := vitals.NewService(vitals.Config{
		Store:            store,
		Publisher:        tablePublisher{router: router},
		IdleTimeout:      config.ActorIdleTimeout,
		StrictAttributes: config.StrictAttributes,
		Logf:             log.Printf,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build vitals service: %w", err)
	}

	h := &hub{
		registry:     presence.NewRegistry(),
		router:       router,
		dispatcher:   pulse.NewDispatcher(router),
		vitals:       service,
		verifier:     verifier,
		notices:      notices,
		newID:        id.NewID,
		writeTimeout: config.FrameWriteTimeout,
	}

	server := &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(h),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		vitals: service,
		store:  store,
	}
	if server.grpcAddr != "" {
		server.grpcServer, _ = platformgrpc.NewServerWithHealth(healthServiceName)
	}
	return server, nil
}

func openNexusStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open nexus store: %w", err)
	}
	return store, nil
}

// Run creates and serves a nexus server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init nexus server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve nexus: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the gRPC health listener when
// configured, until the context ends or either fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("nexus server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	var grpcListener net.Listener
	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.grpcAddr, err)
		}
		grpcListener = listener
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("nexus server listening on %s", s.httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if grpcListener != nil {
		group.Go(func() error {
			log.Printf("nexus gRPC health listening on %s", grpcListener.Addr())
			if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close stops the character actors, then releases storage.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.vitals != nil {
		s.vitals.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("nexus: close store: %v", err)
		}
	}
}
