// Package sqlite provides a SQLite-backed nexus storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/nexus/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
	"github.com/louisbranch/nexus/internal/services/nexus/storage"
	"github.com/louisbranch/nexus/internal/services/nexus/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists nexus character state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite nexus store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadCharacter returns one character with its allocation.
func (s *Store) LoadCharacter(ctx context.Context, characterID string) (storage.CharacterRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CharacterRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CharacterRecord{}, fmt.Errorf("storage is not configured")
	}
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return storage.CharacterRecord{}, fmt.Errorf("character id is required")
	}

	var (
		record    storage.CharacterRecord
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, owner_user_id, name,
		        current_health, max_health, current_sanity, max_sanity, status_id,
		        created_at, updated_at
		   FROM characters
		  WHERE id = ?`,
		characterID,
	).Scan(
		&record.ID,
		&record.OwnerUserID,
		&record.Name,
		&record.Vitals.CurrentHealth,
		&record.Vitals.MaxHealth,
		&record.Vitals.CurrentSanity,
		&record.Vitals.MaxSanity,
		&record.Vitals.StatusID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CharacterRecord{}, storage.ErrNotFound
		}
		return storage.CharacterRecord{}, fmt.Errorf("get character: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)

	allocation, err := s.loadAllocation(ctx, characterID)
	if err != nil {
		return storage.CharacterRecord{}, err
	}
	record.Allocation = allocation
	return record, nil
}

func (s *Store) loadAllocation(ctx context.Context, characterID string) (character.Allocation, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT attribute_key, points FROM character_attributes WHERE character_id = ?`,
		characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list character attributes: %w", err)
	}
	defer rows.Close()

	allocation := make(character.Allocation)
	for rows.Next() {
		var (
			key    string
			points int
		)
		if err := rows.Scan(&key, &points); err != nil {
			return nil, fmt.Errorf("scan character attribute: %w", err)
		}
		allocation[key] = points
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate character attributes: %w", err)
	}
	return allocation, nil
}

// CreateCharacter inserts a character together with its allocation.
func (s *Store) CreateCharacter(ctx context.Context, record storage.CharacterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	characterID := strings.TrimSpace(record.ID)
	if characterID == "" {
		return fmt.Errorf("character id is required")
	}
	if strings.TrimSpace(record.Vitals.StatusID) == "" {
		return fmt.Errorf("status id is required")
	}
	createdAt := record.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := record.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create character: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO characters (
		   id, owner_user_id, name,
		   current_health, max_health, current_sanity, max_sanity, status_id,
		   created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		characterID,
		strings.TrimSpace(record.OwnerUserID),
		strings.TrimSpace(record.Name),
		record.Vitals.CurrentHealth,
		record.Vitals.MaxHealth,
		record.Vitals.CurrentSanity,
		record.Vitals.MaxSanity,
		record.Vitals.StatusID,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create character: %w", err)
	}
	if err := insertAllocation(ctx, tx, characterID, record.Allocation); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create character: %w", err)
	}
	return nil
}

// SaveVitals replaces the vitals snapshot of one character.
func (s *Store) SaveVitals(ctx context.Context, characterID string, vitals character.Vitals) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return updateVitals(ctx, s.sqlDB, strings.TrimSpace(characterID), vitals)
}

// SaveSheet replaces allocation and vitals atomically.
func (s *Store) SaveSheet(ctx context.Context, characterID string, allocation character.Allocation, vitals character.Vitals) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	characterID = strings.TrimSpace(characterID)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save sheet: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateVitals(ctx, tx, characterID, vitals); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM character_attributes WHERE character_id = ?`, characterID); err != nil {
		return fmt.Errorf("clear character attributes: %w", err)
	}
	if err := insertAllocation(ctx, tx, characterID, allocation); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save sheet: %w", err)
	}
	return nil
}

// LoadDefaultStatusID returns the baseline status applied to new characters.
func (s *Store) LoadDefaultStatusID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	var statusID string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id FROM statuses WHERE is_default = 1 LIMIT 1`).Scan(&statusID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get default status: %w", err)
	}
	return statusID, nil
}

// LoadAttributeCatalog lists attribute keys in display order.
func (s *Store) LoadAttributeCatalog(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM attributes ORDER BY position, key`)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, 6)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return keys, nil
}

// HasStatus reports whether statusID exists in the status catalog.
func (s *Store) HasStatus(ctx context.Context, statusID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM statuses WHERE id = ?`, strings.TrimSpace(statusID)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateVitals(ctx context.Context, db execer, characterID string, vitals character.Vitals) error {
	if characterID == "" {
		return fmt.Errorf("character id is required")
	}
	result, err := db.ExecContext(
		ctx,
		`UPDATE characters
		    SET current_health = ?, max_health = ?,
		        current_sanity = ?, max_sanity = ?,
		        status_id = ?, updated_at = ?
		  WHERE id = ?`,
		vitals.CurrentHealth,
		vitals.MaxHealth,
		vitals.CurrentSanity,
		vitals.MaxSanity,
		vitals.StatusID,
		toMillis(time.Now()),
		characterID,
	)
	if err != nil {
		return fmt.Errorf("update character vitals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update character vitals rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func insertAllocation(ctx context.Context, db execer, characterID string, allocation character.Allocation) error {
	for key, points := range allocation {
		if _, err := db.ExecContext(
			ctx,
			`INSERT INTO character_attributes (character_id, attribute_key, points) VALUES (?, ?, ?)`,
			characterID,
			key,
			points,
		); err != nil {
			return fmt.Errorf("insert character attribute %s: %w", key, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "characters.id")
}
