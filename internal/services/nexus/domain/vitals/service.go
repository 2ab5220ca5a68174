// Package vitals owns the authoritative health, sanity and status of every
// character and serializes mutations per character.
//
// Each character gets a lazily started actor goroutine that processes its
// requests in arrival order. Actors cache the last persisted snapshot and
// exit after an idle period. Different characters never share a lock.
package vitals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
	"github.com/louisbranch/nexus/internal/platform/timeouts"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/character"
	"github.com/louisbranch/nexus/internal/services/nexus/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/louisbranch/nexus/internal/services/nexus/domain/vitals"

	actorQueueSize = 64
)

// ErrClosed is returned by every call made after Close.
var ErrClosed = apperrors.New(apperrors.CodeServiceClosed, "vitals service is closed")

// ChangeKind names what a committed mutation touched.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeVitals  ChangeKind = "vitals"
	ChangeStatus  ChangeKind = "status"
	ChangeSheet   ChangeKind = "sheet"
)

// Change is a committed mutation, published after persistence succeeds.
type Change struct {
	Kind        ChangeKind
	CharacterID string
	Vitals      character.Vitals
}

// Publisher fans committed changes out to subscribers. Publish runs inside
// the character's actor, so calls for one character arrive in commit order.
type Publisher interface {
	Publish(Change)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Change)

// Publish calls f(change).
func (f PublisherFunc) Publish(change Change) {
	f(change)
}

// CharacterSpec describes a character to provision.
type CharacterSpec struct {
	ID          string
	OwnerUserID string
	Name        string
	Allocation  character.Allocation
}

// Config wires the service collaborators.
type Config struct {
	Store     storage.Store
	Publisher Publisher
	// IdleTimeout tears down an actor with no queued work. Zero uses the default.
	IdleTimeout time.Duration
	// StrictAttributes rejects allocation keys missing from the attribute catalog.
	StrictAttributes bool
	Logf             func(string, ...any)
}

// Service applies vitals mutations.
type Service struct {
	store       storage.Store
	publisher   Publisher
	idleTimeout time.Duration
	strict      bool
	logf        func(string, ...any)
	tracer      trace.Tracer

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type actor struct {
	id       string
	requests chan request
	// pending is guarded by Service.mu.
	pending int

	// Owned by the actor goroutine.
	loaded bool
	record storage.CharacterRecord
}

type operation func(ctx context.Context, a *actor) (character.Vitals, *Change, error)

type request struct {
	ctx  context.Context
	op   operation
	resp chan result
}

type result struct {
	vitals character.Vitals
	err    error
}

// NewService builds a vitals service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("vitals store is required")
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = timeouts.ActorIdle
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Service{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		idleTimeout: idle,
		strict:      cfg.StrictAttributes,
		logf:        logf,
		tracer:      otel.Tracer(tracerName),
		actors:      make(map[string]*actor),
		done:        make(chan struct{}),
	}, nil
}

// Close stops every actor and waits for in-flight work to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

// ActiveActors returns the number of running character actors.
func (s *Service) ActiveActors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// ApplyDelta adds delta to a track, clamped into [0, max], and returns the
// authoritative snapshot.
func (s *Service) ApplyDelta(ctx context.Context, characterID string, track character.Track, delta int) (character.Vitals, error) {
	if track != character.TrackHealth && track != character.TrackSanity {
		return character.Vitals{}, character.ErrInvalidTrack
	}
	return s.submit(ctx, "apply_delta", characterID, func(ctx context.Context, a *actor) (character.Vitals, *Change, error) {
		if err := s.ensureLoaded(ctx, a); err != nil {
			return character.Vitals{}, nil, err
		}
		next, err := a.record.Vitals.Apply(track, delta)
		if err != nil {
			return character.Vitals{}, nil, err
		}
		if next == a.record.Vitals {
			return next, nil, nil
		}
		return s.commitVitals(ctx, a, next, ChangeVitals)
	}, attribute.String("vitals.track", string(track)), attribute.Int("vitals.delta", delta))
}

// SetStatus replaces the active status. Health and sanity are untouched.
func (s *Service) SetStatus(ctx context.Context, characterID, statusID string) (character.Vitals, error) {
	statusID = strings.TrimSpace(statusID)
	if statusID == "" {
		return character.Vitals{}, apperrors.New(apperrors.CodeInvalidArgument, "status id is required")
	}
	return s.submit(ctx, "set_status", characterID, func(ctx context.Context, a *actor) (character.Vitals, *Change, error) {
		if err := s.ensureLoaded(ctx, a); err != nil {
			return character.Vitals{}, nil, err
		}
		if a.record.Vitals.StatusID == statusID {
			return a.record.Vitals, nil, nil
		}
		var exists bool
		err := s.withStorage(ctx, func(ctx context.Context) error {
			var err error
			exists, err = s.store.HasStatus(ctx, statusID)
			return err
		})
		if err != nil {
			return character.Vitals{}, nil, s.storageFailure("lookup status", a.id, err)
		}
		if !exists {
			return character.Vitals{}, nil, apperrors.WithMetadata(
				apperrors.CodeNotFound,
				fmt.Sprintf("status %q not found", statusID),
				map[string]string{"StatusID": statusID},
			)
		}
		next := a.record.Vitals
		next.StatusID = statusID
		return s.commitVitals(ctx, a, next, ChangeStatus)
	}, attribute.String("vitals.status_id", statusID))
}

// RecomputeMax validates a new allocation, derives new maxima and clamps the
// current values into them. Current values are never rescaled.
func (s *Service) RecomputeMax(ctx context.Context, characterID string, allocation character.Allocation) (character.Vitals, error) {
	return s.submit(ctx, "recompute_max", characterID, func(ctx context.Context, a *actor) (character.Vitals, *Change, error) {
		if err := s.ensureLoaded(ctx, a); err != nil {
			return character.Vitals{}, nil, err
		}
		validated, err := s.validate(ctx, allocation)
		if err != nil {
			return character.Vitals{}, nil, err
		}
		next := a.record.Vitals.ClampToMax(character.Derive(validated))

		previous := a.record
		a.record.Allocation = validated.Allocation()
		a.record.Vitals = next
		err = s.withStorage(ctx, func(ctx context.Context) error {
			return s.store.SaveSheet(ctx, a.id, a.record.Allocation, next)
		})
		if err != nil {
			a.record = previous
			return character.Vitals{}, nil, s.persistFailure(a, err)
		}
		return next, &Change{Kind: ChangeSheet, CharacterID: a.id, Vitals: next}, nil
	})
}

// Provision creates a character with full vitals and the baseline status.
func (s *Service) Provision(ctx context.Context, spec CharacterSpec) (character.Vitals, error) {
	return s.submit(ctx, "provision", spec.ID, func(ctx context.Context, a *actor) (character.Vitals, *Change, error) {
		if a.loaded {
			return character.Vitals{}, nil, alreadyExists(a.id)
		}
		validated, err := s.validate(ctx, spec.Allocation)
		if err != nil {
			return character.Vitals{}, nil, err
		}

		var statusID string
		err = s.withStorage(ctx, func(ctx context.Context) error {
			var err error
			statusID, err = s.store.LoadDefaultStatusID(ctx)
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			s.logf("nexus: default status is not seeded; cannot provision character=%s", a.id)
			return character.Vitals{}, nil, character.ErrMissingDefaultStatus
		}
		if err != nil {
			return character.Vitals{}, nil, s.storageFailure("load default status", a.id, err)
		}
		initial, err := character.InitializeVitals(character.Derive(validated), statusID)
		if err != nil {
			s.logf("nexus: default status is blank; cannot provision character=%s", a.id)
			return character.Vitals{}, nil, err
		}

		now := time.Now().UTC()
		record := storage.CharacterRecord{
			ID:          a.id,
			OwnerUserID: strings.TrimSpace(spec.OwnerUserID),
			Name:        strings.TrimSpace(spec.Name),
			Allocation:  validated.Allocation(),
			Vitals:      initial,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.withStorage(ctx, func(ctx context.Context) error {
			return s.store.CreateCharacter(ctx, record)
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			return character.Vitals{}, nil, alreadyExists(a.id)
		}
		if err != nil {
			return character.Vitals{}, nil, s.storageFailure("create character", a.id, err)
		}
		a.record = record
		a.loaded = true
		return initial, &Change{Kind: ChangeCreated, CharacterID: a.id, Vitals: initial}, nil
	})
}

// Snapshot returns the authoritative vitals of a character.
func (s *Service) Snapshot(ctx context.Context, characterID string) (character.Vitals, error) {
	record, err := s.Sheet(ctx, characterID)
	if err != nil {
		return character.Vitals{}, err
	}
	return record.Vitals, nil
}

// Sheet returns a copy of the full cached character record.
func (s *Service) Sheet(ctx context.Context, characterID string) (storage.CharacterRecord, error) {
	var record storage.CharacterRecord
	_, err := s.submit(ctx, "sheet", characterID, func(ctx context.Context, a *actor) (character.Vitals, *Change, error) {
		if err := s.ensureLoaded(ctx, a); err != nil {
			return character.Vitals{}, nil, err
		}
		record = a.record
		record.Allocation = a.record.Allocation.Clone()
		return record.Vitals, nil, nil
	})
	if err != nil {
		return storage.CharacterRecord{}, err
	}
	return record, nil
}

func (s *Service) submit(ctx context.Context, name, characterID string, op operation, attrs ...attribute.KeyValue) (character.Vitals, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	characterID = strings.TrimSpace(characterID)
	ctx, span := s.tracer.Start(ctx, "nexus.vitals."+name,
		trace.WithAttributes(append(attrs, attribute.String("character.id", characterID))...),
	)
	defer span.End()

	vitals, err := s.dispatch(ctx, characterID, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		return character.Vitals{}, err
	}
	return vitals, nil
}

func (s *Service) dispatch(ctx context.Context, characterID string, op operation) (character.Vitals, error) {
	if characterID == "" {
		return character.Vitals{}, apperrors.New(apperrors.CodeInvalidArgument, "character id is required")
	}
	a, err := s.acquire(characterID)
	if err != nil {
		return character.Vitals{}, err
	}

	req := request{ctx: ctx, op: op, resp: make(chan result, 1)}
	select {
	case a.requests <- req:
	case <-ctx.Done():
		s.release(a)
		return character.Vitals{}, ctx.Err()
	case <-s.done:
		return character.Vitals{}, ErrClosed
	}

	select {
	case res := <-req.resp:
		return res.vitals, res.err
	case <-ctx.Done():
		return character.Vitals{}, ctx.Err()
	case <-s.done:
		return character.Vitals{}, ErrClosed
	}
}

func (s *Service) acquire(characterID string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	a, ok := s.actors[characterID]
	if !ok {
		a = &actor{id: characterID, requests: make(chan request, actorQueueSize)}
		s.actors[characterID] = a
		s.wg.Add(1)
		go s.run(a)
	}
	a.pending++
	return a, nil
}

func (s *Service) release(a *actor) {
	s.mu.Lock()
	a.pending--
	s.mu.Unlock()
}

func (s *Service) run(a *actor) {
	defer s.wg.Done()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-a.requests:
			s.handle(a, req)
			s.release(a)
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if a.pending == 0 {
				delete(s.actors, a.id)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idleTimeout)
		case <-s.done:
			return
		}
	}
}

func (s *Service) handle(a *actor, req request) {
	if err := req.ctx.Err(); err != nil {
		req.resp <- result{err: err}
		return
	}
	vitals, change, err := req.op(req.ctx, a)
	if err == nil && change != nil && s.publisher != nil {
		s.publisher.Publish(*change)
	}
	req.resp <- result{vitals: vitals, err: err}
}

func (s *Service) ensureLoaded(ctx context.Context, a *actor) error {
	if a.loaded {
		return nil
	}
	var record storage.CharacterRecord
	err := s.withStorage(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.store.LoadCharacter(ctx, a.id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(a.id)
	}
	if err != nil {
		return s.storageFailure("load character", a.id, err)
	}
	record.Vitals = record.Vitals.Normalize()
	a.record = record
	a.loaded = true
	return nil
}

// commitVitals installs next, persists it and rolls back on failure.
func (s *Service) commitVitals(ctx context.Context, a *actor, next character.Vitals, kind ChangeKind) (character.Vitals, *Change, error) {
	previous := a.record.Vitals
	a.record.Vitals = next
	err := s.withStorage(ctx, func(ctx context.Context) error {
		return s.store.SaveVitals(ctx, a.id, next)
	})
	if err != nil {
		a.record.Vitals = previous
		return character.Vitals{}, nil, s.persistFailure(a, err)
	}
	return next, &Change{Kind: kind, CharacterID: a.id, Vitals: next}, nil
}

func (s *Service) persistFailure(a *actor, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		a.loaded = false
		a.record = storage.CharacterRecord{}
		return notFound(a.id)
	}
	return s.storageFailure("persist character", a.id, err)
}

func (s *Service) validate(ctx context.Context, allocation character.Allocation) (character.Validated, error) {
	if !s.strict {
		return character.ValidateAllocation(allocation)
	}
	var catalog []string
	err := s.withStorage(ctx, func(ctx context.Context) error {
		var err error
		catalog, err = s.store.LoadAttributeCatalog(ctx)
		return err
	})
	if err != nil {
		return character.Validated{}, s.storageFailure("load attribute catalog", "", err)
	}
	return character.ValidateAllocation(allocation, character.WithCatalog(catalog))
}

func (s *Service) withStorage(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()
	return fn(ctx)
}

func (s *Service) storageFailure(action, characterID string, err error) error {
	s.logf("nexus: %s failed character=%s err=%v", action, characterID, err)
	return apperrors.Wrap(apperrors.CodeStorageFailure, "character state is temporarily unavailable", err)
}

func notFound(characterID string) error {
	return apperrors.WithMetadata(
		apperrors.CodeNotFound,
		fmt.Sprintf("character %q not found", characterID),
		map[string]string{"CharacterID": characterID},
	)
}

func alreadyExists(characterID string) error {
	return apperrors.WithMetadata(
		apperrors.CodeAlreadyExists,
		fmt.Sprintf("character %q already exists", characterID),
		map[string]string{"CharacterID": characterID},
	)
}
