package server

import (
	"encoding/json"

	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/presence"
	"github.com/louisbranch/nexus/internal/services/nexus/storage"
)

// Inbound frame types.
const (
	frameAnnounce         = "announce"
	frameCommand          = "command"
	frameModulate         = "modulate"
	frameStatusSet        = "status.set"
	frameAllocationUpdate = "allocation.update"
	frameCharacterCreate  = "character.create"
	frameCharacterSync    = "character.sync"
)

// Outbound frame types.
const (
	framePresenceList   = "presence.list"
	framePresenceJoined = "presence.joined"
	framePresenceLeft   = "presence.left"
	frameVitalsChanged  = "vitals.changed"
	frameStatusChanged  = "status.changed"
	frameAck            = "ack"
	frameError          = "error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type announcePayload struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

type commandPayload struct {
	Target  string          `json:"target"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type modulatePayload struct {
	CharacterID string `json:"character_id"`
	Track       string `json:"track"`
	Delta       int    `json:"delta"`
}

type statusSetPayload struct {
	CharacterID string `json:"character_id"`
	StatusID    string `json:"status_id"`
}

type allocationUpdatePayload struct {
	CharacterID string               `json:"character_id"`
	Allocation  character.Allocation `json:"allocation"`
}

type characterCreatePayload struct {
	CharacterID string               `json:"character_id"`
	Name        string               `json:"name"`
	Allocation  character.Allocation `json:"allocation"`
}

type characterSyncPayload struct {
	CharacterID string `json:"character_id"`
}

type vitalsView struct {
	CurrentHealth int    `json:"current_health"`
	MaxHealth     int    `json:"max_health"`
	CurrentSanity int    `json:"current_sanity"`
	MaxSanity     int    `json:"max_sanity"`
	StatusID      string `json:"status_id"`
}

func newVitalsView(v character.Vitals) *vitalsView {
	return &vitalsView{
		CurrentHealth: v.CurrentHealth,
		MaxHealth:     v.MaxHealth,
		CurrentSanity: v.CurrentSanity,
		MaxSanity:     v.MaxSanity,
		StatusID:      v.StatusID,
	}
}

type characterView struct {
	CharacterID string               `json:"character_id"`
	OwnerUserID string               `json:"owner_user_id,omitempty"`
	Name        string               `json:"name"`
	Allocation  character.Allocation `json:"allocation"`
	Vitals      *vitalsView          `json:"vitals"`
}

func newCharacterView(record storage.CharacterRecord) *characterView {
	return &characterView{
		CharacterID: record.ID,
		OwnerUserID: record.OwnerUserID,
		Name:        record.Name,
		Allocation:  record.Allocation,
		Vitals:      newVitalsView(record.Vitals),
	}
}

type presenceListPayload struct {
	Identities []presence.Identity `json:"identities"`
}

type presenceNoticePayload struct {
	Identity presence.Identity `json:"identity"`
	Notice   string            `json:"notice,omitempty"`
}

type vitalsChangedPayload struct {
	CharacterID string      `json:"character_id"`
	Reason      string      `json:"reason"`
	Vitals      *vitalsView `json:"vitals"`
}

type statusChangedPayload struct {
	CharacterID string `json:"character_id"`
	StatusID    string `json:"status_id"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status       string         `json:"status"`
	ConnectionID string         `json:"connection_id,omitempty"`
	CharacterID  string         `json:"character_id,omitempty"`
	Vitals       *vitalsView    `json:"vitals,omitempty"`
	Character    *characterView `json:"character,omitempty"`
	Delivered    *int           `json:"delivered,omitempty"`
}
