package server

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	platformgrpc "github.com/louisbranch/nexus/internal/platform/grpc"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/rooms"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/vitals"
)

type captureSender struct {
	events []rooms.Event
}

func (s *captureSender) Send(event rooms.Event) error {
	s.events = append(s.events, event)
	return nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

func TestNewServerValidation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nexus.db")

	tcs := []struct {
		name   string
		config Config
		want   string
	}{
		{name: "missing http addr", config: Config{DBPath: dbPath}, want: "http address is required"},
		{name: "missing db path", config: Config{HTTPAddr: ":0"}, want: "database path is required"},
		{name: "partial access config", config: Config{HTTPAddr: ":0", DBPath: dbPath, AccessIssuer: "auth"}, want: "configure access verification"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewServer(tc.config)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNewServerCreatesStorageDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "data", "nexus.db")
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", DBPath: dbPath})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.Close()
	server.Close()
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Config{HTTPAddr: freeAddr(t), DBPath: filepath.Join(t.TempDir(), "nexus.db")})
	if err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestListenAndServeReportsGRPCHealth(t *testing.T) {
	grpcAddr := freeAddr(t)
	server, err := NewServer(Config{
		HTTPAddr: freeAddr(t),
		GRPCAddr: grpcAddr,
		DBPath:   filepath.Join(t.TempDir(), "nexus.db"),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()

	conn, err := gogrpc.NewClient(grpcAddr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("dial grpc: %v", err)
	}
	defer conn.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := platformgrpc.WaitForHealth(waitCtx, conn, healthServiceName, t.Logf); err != nil {
		cancel()
		t.Fatalf("wait for health: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var server *Server
	if err := server.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
	server.Close()
}

func TestTablePublisherEvents(t *testing.T) {
	router := rooms.NewRouter(noopLogf)
	sender := &captureSender{}
	if err := router.JoinTable("c1", sender); err != nil {
		t.Fatalf("join table: %v", err)
	}
	if err := router.JoinCharacterChannel("c1", "hero"); err != nil {
		t.Fatalf("join channel: %v", err)
	}
	publisher := tablePublisher{router: router}
	snapshot := character.Vitals{CurrentHealth: 50, MaxHealth: 110, CurrentSanity: 20, MaxSanity: 42, StatusID: "shaken"}

	publisher.Publish(vitals.Change{Kind: vitals.ChangeVitals, CharacterID: "hero", Vitals: snapshot})
	publisher.Publish(vitals.Change{Kind: vitals.ChangeStatus, CharacterID: "hero", Vitals: snapshot})
	tablePublisher{}.Publish(vitals.Change{Kind: vitals.ChangeVitals})

	if len(sender.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sender.events))
	}
	changed, ok := sender.events[0].Payload.(vitalsChangedPayload)
	if !ok || sender.events[0].Name != frameVitalsChanged {
		t.Fatalf("unexpected first event: %+v", sender.events[0])
	}
	if changed.Reason != "vitals" || changed.Vitals.CurrentHealth != 50 || changed.Vitals.StatusID != "shaken" {
		t.Fatalf("unexpected vitals payload: %+v", changed)
	}
	status, ok := sender.events[1].Payload.(statusChangedPayload)
	if !ok || sender.events[1].Name != frameStatusChanged || status.StatusID != "shaken" {
		t.Fatalf("unexpected status event: %+v", sender.events[1])
	}
}
