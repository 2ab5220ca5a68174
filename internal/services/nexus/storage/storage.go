// Package storage defines persistence contracts for nexus character state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// CharacterRecord is one persisted character with its sheet and vitals.
type CharacterRecord struct {
	ID          string
	OwnerUserID string
	Name        string
	Allocation  character.Allocation
	Vitals      character.Vitals
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CharacterStore persists character sheets and vitals.
type CharacterStore interface {
	LoadCharacter(ctx context.Context, characterID string) (CharacterRecord, error)
	CreateCharacter(ctx context.Context, record CharacterRecord) error
	SaveVitals(ctx context.Context, characterID string, vitals character.Vitals) error
	// SaveSheet replaces the allocation and the vitals in one transaction.
	SaveSheet(ctx context.Context, characterID string, allocation character.Allocation, vitals character.Vitals) error
}

// CatalogStore reads seeded reference data.
type CatalogStore interface {
	// LoadDefaultStatusID returns ErrNotFound when no baseline status is seeded.
	LoadDefaultStatusID(ctx context.Context) (string, error)
	LoadAttributeCatalog(ctx context.Context) ([]string, error)
	HasStatus(ctx context.Context, statusID string) (bool, error)
}

// Store is the full collaborator consumed by the vitals service.
type Store interface {
	CharacterStore
	CatalogStore
}
