// Package pulse forwards transient master commands to the table without
// persisting anything.
package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/presence"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/rooms"
)

// Kind is a transient command kind.
type Kind string

const (
	KindImpact Kind = "IMPACT"
	KindAlert  Kind = "ALERT"
)

// Event names emitted by the dispatcher.
const (
	EventPulse = "pulse"
	EventAlert = "alert"
)

// OriginMaster marks events issued by the game master.
const OriginMaster = "MASTER"

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	maxAlertTitleRunes   = 120
	maxAlertMessageRunes = 2000
	maxImpactPayloadSize = 4 * 1024
)

// Router is the fan-out surface the dispatcher needs.
type Router interface {
	ResolveTarget(target string) (rooms.Room, error)
	Broadcast(room rooms.Room, event rooms.Event, excludeConnectionID string) int
}

// Actor is the verified caller of a command.
type Actor struct {
	Role   presence.Role
	UserID string
}

// Command is one transient command.
type Command struct {
	Target  string
	Kind    Kind
	Payload json.RawMessage
}

// PulsePayload is the body of a pulse event.
type PulsePayload struct {
	Kind      Kind            `json:"kind"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin"`
	Timestamp string          `json:"timestamp"`
}

// AlertPayload is the body of an alert event.
type AlertPayload struct {
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	Severity  string `json:"severity"`
	Target    string `json:"target"`
	Origin    string `json:"origin"`
	Timestamp string `json:"timestamp"`
}

type alertBody struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Dispatcher validates master commands and broadcasts them.
type Dispatcher struct {
	router Router
	now    func() time.Time
}

// NewDispatcher builds a dispatcher over router.
func NewDispatcher(router Router) *Dispatcher {
	return &Dispatcher{router: router, now: time.Now}
}

// ParseKind normalizes a command kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(value))) {
	case KindImpact:
		return KindImpact, nil
	case KindAlert:
		return KindAlert, nil
	default:
		return "", apperrors.WithMetadata(
			apperrors.CodePulseInvalidKind,
			fmt.Sprintf("unsupported command kind %q", value),
			map[string]string{"Kind": value},
		)
	}
}

// Dispatch checks the actor, resolves the target and broadcasts. It returns
// how many connections received the event; zero subscribers is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, actor Actor, cmd Command) (int, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	if actor.Role != presence.RoleMaster {
		return 0, apperrors.New(apperrors.CodeUnauthorized, "only the master may dispatch commands")
	}
	kind, err := ParseKind(string(cmd.Kind))
	if err != nil {
		return 0, err
	}
	room, err := d.router.ResolveTarget(cmd.Target)
	if err != nil {
		return 0, err
	}

	timestamp := d.now().UTC().Format(time.RFC3339Nano)
	var event rooms.Event
	switch kind {
	case KindAlert:
		body, err := decodeAlert(cmd.Payload)
		if err != nil {
			return 0, err
		}
		event = rooms.Event{Name: EventAlert, Payload: AlertPayload{
			Title:     body.Title,
			Message:   body.Message,
			Severity:  body.Severity,
			Target:    cmd.Target,
			Origin:    OriginMaster,
			Timestamp: timestamp,
		}}
	default:
		payload, err := normalizeImpact(cmd.Payload)
		if err != nil {
			return 0, err
		}
		event = rooms.Event{Name: EventPulse, Payload: PulsePayload{
			Kind:      kind,
			Target:    cmd.Target,
			Payload:   payload,
			Origin:    OriginMaster,
			Timestamp: timestamp,
		}}
	}
	return d.router.Broadcast(room, event, ""), nil
}

func decodeAlert(raw json.RawMessage) (alertBody, error) {
	var body alertBody
	if len(bytes.TrimSpace(raw)) == 0 {
		return body, invalidPayload("alert payload is required")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		return body, invalidPayload("alert payload must be an object with title, message and severity")
	}
	body.Title = strings.TrimSpace(body.Title)
	body.Message = strings.TrimSpace(body.Message)
	if body.Title == "" && body.Message == "" {
		return body, invalidPayload("alert needs a title or a message")
	}
	if utf8.RuneCountInString(body.Title) > maxAlertTitleRunes {
		return body, invalidPayload("alert title must be at most 120 characters")
	}
	if utf8.RuneCountInString(body.Message) > maxAlertMessageRunes {
		return body, invalidPayload("alert message must be at most 2000 characters")
	}
	switch severity := strings.ToLower(strings.TrimSpace(body.Severity)); severity {
	case "":
		body.Severity = SeverityInfo
	case SeverityInfo, SeverityWarning, SeverityCritical:
		body.Severity = severity
	default:
		return body, invalidPayload(fmt.Sprintf("unsupported alert severity %q", body.Severity))
	}
	return body, nil
}

// normalizeImpact accepts an absent payload or a JSON object.
func normalizeImpact(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if len(trimmed) > maxImpactPayloadSize {
		return nil, invalidPayload("impact payload is too large")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, invalidPayload("impact payload must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

func invalidPayload(message string) error {
	return apperrors.New(apperrors.CodePulseInvalidPayload, message)
}
