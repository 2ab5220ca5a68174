package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
	"github.com/louisbranch/nexus/internal/platform/requestctx"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/presence"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/pulse"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/rooms"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/vitals"
	"github.com/louisbranch/nexus/internal/services/nexus/storage"
)

// vitalsService is the mutation surface the transport drives.
type vitalsService interface {
	ApplyDelta(ctx context.Context, characterID string, track character.Track, delta int) (character.Vitals, error)
	SetStatus(ctx context.Context, characterID, statusID string) (character.Vitals, error)
	RecomputeMax(ctx context.Context, characterID string, allocation character.Allocation) (character.Vitals, error)
	Provision(ctx context.Context, spec vitals.CharacterSpec) (character.Vitals, error)
	Sheet(ctx context.Context, characterID string) (storage.CharacterRecord, error)
}

// hub holds the collaborators shared by every connection.
type hub struct {
	registry     *presence.Registry
	router       *rooms.Router
	dispatcher   *pulse.Dispatcher
	vitals       vitalsService
	verifier     *accessVerifier
	notices      *notices
	newID        func() (string, error)
	writeTimeout time.Duration
}

// wsSession is the per-connection state owned by its read loop.
type wsSession struct {
	connectionID string
	access       requestctx.Access
	verified     bool
	peer         *wsPeer
}

func (s *wsSession) role() presence.Role {
	if !s.verified {
		return presence.RolePlayer
	}
	return presence.ParseRole(s.access.Role)
}

func newHandler(h *hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		h.handleWSConn(conn)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if token := accessTokenFromRequest(r); token != "" {
			if h.verifier == nil {
				log.Printf("nexus: websocket unauthorized: access verification is not configured for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication unavailable", http.StatusUnauthorized)
				return
			}
			access, err := h.verifier.Verify(token)
			if err != nil {
				log.Printf("nexus: websocket unauthorized: host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(requestctx.WithAccess(r.Context(), access))
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func (h *hub) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	connectionID, err := h.newID()
	if err != nil {
		log.Printf("nexus: assign connection id: %v", err)
		return
	}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	access, verified := requestctx.AccessFromContext(ctx)
	session := &wsSession{
		connectionID: connectionID,
		access:       access,
		verified:     verified,
		peer:         newWSPeer(conn, h.writeTimeout),
	}
	defer session.peer.stop()

	h.registry.Register(connectionID)
	if err := h.router.JoinTable(connectionID, session.peer); err != nil {
		h.registry.Unregister(connectionID)
		log.Printf("nexus: join table connection=%s: %v", connectionID, err)
		return
	}
	defer h.disconnect(connectionID)

	conn.MaxPayloadBytes = maxFrameBytes
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "payload too large")
				continue
			}
			if !isDecodeError(err) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}
		if !limiter.Allow() {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameAnnounce:
			h.handleAnnounce(session, frame)
		case frameCommand:
			h.handleCommand(ctx, session, frame)
		case frameModulate:
			h.handleModulate(ctx, session, frame)
		case frameStatusSet:
			h.handleStatusSet(ctx, session, frame)
		case frameAllocationUpdate:
			h.handleAllocationUpdate(ctx, session, frame)
		case frameCharacterCreate:
			h.handleCharacterCreate(ctx, session, frame)
		case frameCharacterSync:
			h.handleCharacterSync(ctx, session, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// disconnect runs on every exit path of a connection. The left notice goes
// out once, and only for connections that announced.
func (h *hub) disconnect(connectionID string) {
	h.router.Leave(connectionID)
	identity, announced := h.registry.Unregister(connectionID)
	if !announced {
		return
	}
	h.router.Broadcast(rooms.Table(), rooms.Event{Name: framePresenceLeft, Payload: presenceNoticePayload{
		Identity: identity,
		Notice:   h.notices.left(identity.DisplayName),
	}}, connectionID)
	h.broadcastPresenceList()
}

func (h *hub) broadcastPresenceList() {
	h.router.Broadcast(rooms.Table(), rooms.Event{Name: framePresenceList, Payload: presenceListPayload{
		Identities: h.registry.ListActive(),
	}}, "")
}

func (h *hub) handleAnnounce(session *wsSession, frame wsFrame) {
	var payload announcePayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid announce payload")
		return
	}

	identity := presence.Identity{
		CharacterID: strings.TrimSpace(payload.CharacterID),
		DisplayName: strings.TrimSpace(payload.DisplayName),
		Role:        session.role(),
	}
	if session.verified {
		identity.UserID = session.access.UserID
		if session.access.Name != "" {
			identity.DisplayName = session.access.Name
		}
	}
	if identity.CharacterID != "" {
		if err := rooms.ValidateCharacterID(identity.CharacterID); err != nil {
			_ = writeDomainError(session.peer, frame.RequestID, err)
			return
		}
	}

	result, err := h.registry.Announce(session.connectionID, identity)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	if err := h.router.JoinCharacterChannel(session.connectionID, result.Identity.CharacterID); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	writeAck(session.peer, frame.RequestID, ackResult{
		ConnectionID: session.connectionID,
		CharacterID:  result.Identity.CharacterID,
	})
	if !result.Changed {
		return
	}
	if result.FirstAnnounce {
		h.router.Broadcast(rooms.Table(), rooms.Event{Name: framePresenceJoined, Payload: presenceNoticePayload{
			Identity: result.Identity,
			Notice:   h.notices.joined(result.Identity.DisplayName),
		}}, session.connectionID)
	}
	h.broadcastPresenceList()
}

func (h *hub) handleCommand(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload commandPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid command payload")
		return
	}
	delivered, err := h.dispatcher.Dispatch(ctx, pulse.Actor{Role: session.role(), UserID: session.access.UserID}, pulse.Command{
		Target:  payload.Target,
		Kind:    pulse.Kind(payload.Kind),
		Payload: payload.Payload,
	})
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{Delivered: &delivered})
}

func (h *hub) handleModulate(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload modulatePayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid modulate payload")
		return
	}
	track, err := character.ParseTrack(payload.Track)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	if payload.Delta > maxDeltaMagnitude || payload.Delta < -maxDeltaMagnitude {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", fmt.Sprintf("delta must be within ±%d", maxDeltaMagnitude))
		return
	}
	characterID := strings.TrimSpace(payload.CharacterID)
	if err := h.authorizeCharacter(ctx, session, characterID); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	next, err := h.vitals.ApplyDelta(ctx, characterID, track, payload.Delta)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{CharacterID: characterID, Vitals: newVitalsView(next)})
}

func (h *hub) handleStatusSet(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload statusSetPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid status payload")
		return
	}
	if session.role() != presence.RoleMaster {
		_ = writeDomainError(session.peer, frame.RequestID, errMasterRequired)
		return
	}
	characterID := strings.TrimSpace(payload.CharacterID)
	next, err := h.vitals.SetStatus(ctx, characterID, payload.StatusID)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{CharacterID: characterID, Vitals: newVitalsView(next)})
}

func (h *hub) handleAllocationUpdate(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload allocationUpdatePayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid allocation payload")
		return
	}
	characterID := strings.TrimSpace(payload.CharacterID)
	if err := h.authorizeCharacter(ctx, session, characterID); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	next, err := h.vitals.RecomputeMax(ctx, characterID, payload.Allocation)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{CharacterID: characterID, Vitals: newVitalsView(next)})
}

func (h *hub) handleCharacterCreate(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload characterCreatePayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid character payload")
		return
	}
	if !session.verified {
		_ = writeDomainError(session.peer, frame.RequestID, errIdentityRequired)
		return
	}
	characterID := strings.TrimSpace(payload.CharacterID)
	if characterID == "" {
		generated, err := h.newID()
		if err != nil {
			log.Printf("nexus: generate character id: %v", err)
			_ = writeWSError(session.peer, frame.RequestID, "INTERNAL", "internal error")
			return
		}
		characterID = generated
	}
	if err := rooms.ValidateCharacterID(characterID); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	created, err := h.vitals.Provision(ctx, vitals.CharacterSpec{
		ID:          characterID,
		OwnerUserID: session.access.UserID,
		Name:        strings.TrimSpace(payload.Name),
		Allocation:  payload.Allocation,
	})
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{CharacterID: characterID, Vitals: newVitalsView(created)})
}

func (h *hub) handleCharacterSync(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload characterSyncPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid sync payload")
		return
	}
	characterID := strings.TrimSpace(payload.CharacterID)
	record, err := h.vitals.Sheet(ctx, characterID)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{CharacterID: characterID, Character: newCharacterView(record)})
}

// authorizeCharacter admits the master and the verified owner of a character.
func (h *hub) authorizeCharacter(ctx context.Context, session *wsSession, characterID string) error {
	if session.role() == presence.RoleMaster {
		return nil
	}
	if !session.verified {
		return errIdentityRequired
	}
	record, err := h.vitals.Sheet(ctx, characterID)
	if err != nil {
		return err
	}
	if record.OwnerUserID == "" || record.OwnerUserID != session.access.UserID {
		return apperrors.WithMetadata(
			apperrors.CodeUnauthorized,
			"only the master or the owning player may change this character",
			map[string]string{"CharacterID": characterID},
		)
	}
	return nil
}

// isDecodeError separates malformed client frames from transport failures.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("payload is required")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeAck(peer *wsPeer, requestID string, result ackResult) {
	result.Status = "ok"
	_ = peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

// writeDomainError reports err to the caller. Errors outside the domain
// taxonomy are logged and hidden behind a generic message.
func writeDomainError(peer *wsPeer, requestID string, err error) error {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		log.Printf("nexus: request %q failed: %v", requestID, err)
		return writeWSError(peer, requestID, apperrors.CodeUnknown.StatusName(), "internal error")
	}
	details := map[string]any{"reason": string(domainErr.Code)}
	for key, value := range domainErr.Metadata {
		details[key] = value
	}
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      domainErr.Code.StatusName(),
				Message:   domainErr.Message,
				Retryable: domainErr.Code == apperrors.CodeStorageFailure || domainErr.Code == apperrors.CodeServiceClosed,
				Details:   details,
			},
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}
