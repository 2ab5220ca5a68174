// Package presence tracks live transport connections and the identity each
// one announced.
package presence

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
)

// Role is the table role a participant plays.
type Role string

const (
	RolePlayer Role = "PLAYER"
	RoleMaster Role = "MASTER"
)

// ParseRole normalizes a role string. Anything other than MASTER is a player.
func ParseRole(value string) Role {
	if strings.EqualFold(strings.TrimSpace(value), string(RoleMaster)) {
		return RoleMaster
	}
	return RolePlayer
}

// Identity is what a connection announced about itself.
type Identity struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
	CharacterID  string `json:"character_id,omitempty"`
	DisplayName  string `json:"display_name"`
	Role         Role   `json:"role"`
}

// Connection is a read-only view of a registry entry.
type Connection struct {
	Identity
	LastSyncAt time.Time
	Announced  bool
}

// AnnounceResult reports the outcome of an announce.
type AnnounceResult struct {
	Identity          Identity
	PreviousCharacter string
	// FirstAnnounce is true when the connection had not announced before.
	FirstAnnounce bool
	// Changed is false when neither the connection nor the character moved
	// for this participant since its last announce.
	Changed bool
}

type entry struct {
	conn Connection
	seq  uint64
}

type participantMark struct {
	connectionID string
	characterID  string
}

// Registry is the concurrency-safe connection table. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	participants map[string]participantMark
	nextSeq      uint64
	now          func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:      make(map[string]*entry),
		participants: make(map[string]participantMark),
		now:          time.Now,
	}
}

// Register creates an entry without identity. Registering twice is a no-op.
func (r *Registry) Register(connectionID string) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(connectionID)
}

func (r *Registry) registerLocked(connectionID string) *entry {
	if existing, ok := r.entries[connectionID]; ok {
		return existing
	}
	r.nextSeq++
	created := &entry{
		conn: Connection{Identity: Identity{ConnectionID: connectionID}},
		seq:  r.nextSeq,
	}
	r.entries[connectionID] = created
	return created
}

// Announce stores the identity for a connection and reports whether the
// participant actually moved.
func (r *Registry) Announce(connectionID string, identity Identity) (AnnounceResult, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return AnnounceResult{}, apperrors.New(apperrors.CodeInvalidArgument, "connection id is required")
	}
	identity.ConnectionID = connectionID
	identity.UserID = strings.TrimSpace(identity.UserID)
	identity.CharacterID = strings.TrimSpace(identity.CharacterID)
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	if identity.Role == "" {
		identity.Role = RolePlayer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.registerLocked(connectionID)
	result := AnnounceResult{
		PreviousCharacter: current.conn.CharacterID,
		FirstAnnounce:     !current.conn.Announced,
	}

	key := participantKey(identity)
	mark, seen := r.participants[key]
	result.Changed = !seen || mark.connectionID != connectionID || mark.characterID != identity.CharacterID
	r.participants[key] = participantMark{connectionID: connectionID, characterID: identity.CharacterID}

	// A connection switching user drops the stale participant mark.
	if current.conn.Announced {
		previousKey := participantKey(current.conn.Identity)
		if previousKey != key {
			if prev, ok := r.participants[previousKey]; ok && prev.connectionID == connectionID {
				delete(r.participants, previousKey)
			}
		}
	}

	current.conn.Identity = identity
	current.conn.Announced = true
	current.conn.LastSyncAt = r.now().UTC()
	result.Identity = identity
	return result, nil
}

// Unregister removes a connection. The identity is returned only when the
// connection had announced; a second call reports false.
func (r *Registry) Unregister(connectionID string) (Identity, bool) {
	connectionID = strings.TrimSpace(connectionID)
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[connectionID]
	if !ok {
		return Identity{}, false
	}
	delete(r.entries, connectionID)
	if !current.conn.Announced {
		return Identity{}, false
	}
	key := participantKey(current.conn.Identity)
	if mark, ok := r.participants[key]; ok && mark.connectionID == connectionID {
		delete(r.participants, key)
	}
	return current.conn.Identity, true
}

// Lookup returns a copy of the connection entry.
func (r *Registry) Lookup(connectionID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[strings.TrimSpace(connectionID)]
	if !ok {
		return Connection{}, false
	}
	return current.conn, true
}

// ListActive returns announced identities in registration order.
func (r *Registry) ListActive() []Identity {
	r.mu.Lock()
	active := make([]entry, 0, len(r.entries))
	for _, current := range r.entries {
		if current.conn.Announced {
			active = append(active, *current)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(active, func(a, b entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	identities := make([]Identity, 0, len(active))
	for _, current := range active {
		identities = append(identities, current.conn.Identity)
	}
	return identities
}

// Len returns the number of registered connections, announced or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func participantKey(identity Identity) string {
	if identity.UserID != "" {
		return "user:" + identity.UserID
	}
	return "conn:" + identity.ConnectionID
}
