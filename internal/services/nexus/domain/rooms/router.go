// Package rooms groups connections into broadcast rooms and fans events out
// to them.
//
// Every connection is a member of the table room. A connection that carries
// a character id is also a member of exactly one character channel.
package rooms

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
)

// TargetAll addresses the whole table.
const TargetAll = "ALL"

const maxTargetRunes = 128

const characterChannelPrefix = "character:"

// Room identifies a broadcast group.
type Room struct {
	characterID string
}

// Table returns the table-wide room.
func Table() Room {
	return Room{}
}

// CharacterChannel returns the channel of one character.
func CharacterChannel(characterID string) Room {
	return Room{characterID: characterID}
}

// IsTable reports whether r is the table room.
func (r Room) IsTable() bool {
	return r.characterID == ""
}

// CharacterID returns the character of a channel, or empty for the table.
func (r Room) CharacterID() string {
	return r.characterID
}

// String returns the room name used in logs.
func (r Room) String() string {
	if r.IsTable() {
		return "table"
	}
	return characterChannelPrefix + r.characterID
}

// Event is an outbound notification.
type Event struct {
	Name    string
	Payload any
}

// Sender delivers events to one connection.
type Sender interface {
	Send(Event) error
}

type member struct {
	sender    Sender
	character string
}

// Router owns room membership. Membership maps are never exposed.
type Router struct {
	mu         sync.Mutex
	members    map[string]*member
	characters map[string]map[string]struct{}
	logf       func(string, ...any)
}

// NewRouter returns an empty router. A nil logf falls back to log.Printf.
func NewRouter(logf func(string, ...any)) *Router {
	if logf == nil {
		logf = log.Printf
	}
	return &Router{
		members:    make(map[string]*member),
		characters: make(map[string]map[string]struct{}),
		logf:       logf,
	}
}

// ResolveTarget maps a command target to a room. ALL resolves to the table;
// any other well-formed value resolves to that character's channel, which may
// be empty.
func (r *Router) ResolveTarget(target string) (Room, error) {
	if target == TargetAll {
		return Table(), nil
	}
	if err := ValidateCharacterID(target); err != nil {
		return Room{}, err
	}
	return CharacterChannel(target), nil
}

// ValidateCharacterID applies the target rules to a character id. The ALL
// sentinel is reserved and never a character id.
func ValidateCharacterID(target string) error {
	invalid := func(reason string) error {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidTarget,
			fmt.Sprintf("invalid target: %s", reason),
			map[string]string{"Target": target},
		)
	}
	if strings.TrimSpace(target) == "" {
		return invalid("target is required")
	}
	if target == TargetAll {
		return invalid("ALL is reserved for the table")
	}
	if target != strings.TrimSpace(target) {
		return invalid("target has surrounding whitespace")
	}
	if !utf8.ValidString(target) {
		return invalid("target is not valid UTF-8")
	}
	if utf8.RuneCountInString(target) > maxTargetRunes {
		return invalid("target must be at most 128 characters")
	}
	for _, r := range target {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return invalid("target contains whitespace or control characters")
		}
	}
	return nil
}

// JoinTable adds a connection to the table room. Joining again replaces the
// sender and keeps the character channel.
func (r *Router) JoinTable(connectionID string, sender Sender) error {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "connection id is required")
	}
	if sender == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "sender is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.members[connectionID]; ok {
		existing.sender = sender
		return nil
	}
	r.members[connectionID] = &member{sender: sender}
	return nil
}

// JoinCharacterChannel moves a connection into a character channel, leaving
// any previous one. An empty character id only leaves.
func (r *Router) JoinCharacterChannel(connectionID, characterID string) error {
	connectionID = strings.TrimSpace(connectionID)
	characterID = strings.TrimSpace(characterID)
	if characterID != "" {
		if err := ValidateCharacterID(characterID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.members[connectionID]
	if !ok {
		return apperrors.WithMetadata(
			apperrors.CodeNotFound,
			"connection has not joined the table",
			map[string]string{"ConnectionID": connectionID},
		)
	}
	if current.character == characterID {
		return nil
	}
	r.leaveChannelLocked(connectionID, current)
	if characterID == "" {
		return nil
	}
	channel, ok := r.characters[characterID]
	if !ok {
		channel = make(map[string]struct{})
		r.characters[characterID] = channel
	}
	channel[connectionID] = struct{}{}
	current.character = characterID
	return nil
}

// Leave removes a connection from every room. Unknown ids are ignored.
func (r *Router) Leave(connectionID string) {
	connectionID = strings.TrimSpace(connectionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.members[connectionID]
	if !ok {
		return
	}
	r.leaveChannelLocked(connectionID, current)
	delete(r.members, connectionID)
}

func (r *Router) leaveChannelLocked(connectionID string, current *member) {
	if current.character == "" {
		return
	}
	if channel, ok := r.characters[current.character]; ok {
		delete(channel, connectionID)
		if len(channel) == 0 {
			delete(r.characters, current.character)
		}
	}
	current.character = ""
}

// Members returns the member count of a room.
func (r *Router) Members(room Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room.IsTable() {
		return len(r.members)
	}
	return len(r.characters[room.characterID])
}

// Broadcast delivers event to every member of room except excludeConnectionID
// and returns how many deliveries succeeded. An empty room is a silent success.
func (r *Router) Broadcast(room Room, event Event, excludeConnectionID string) int {
	type target struct {
		id     string
		sender Sender
	}

	r.mu.Lock()
	var targets []target
	if room.IsTable() {
		targets = make([]target, 0, len(r.members))
		for id, current := range r.members {
			if id != excludeConnectionID {
				targets = append(targets, target{id: id, sender: current.sender})
			}
		}
	} else {
		channel := r.characters[room.characterID]
		targets = make([]target, 0, len(channel))
		for id := range channel {
			if id == excludeConnectionID {
				continue
			}
			if current, ok := r.members[id]; ok {
				targets = append(targets, target{id: id, sender: current.sender})
			}
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := t.sender.Send(event); err != nil {
			r.logf("nexus: broadcast %s to room=%s connection=%s failed: %v", event.Name, room, t.id, err)
			continue
		}
		delivered++
	}
	return delivered
}
