package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/foundry/pkg/progress"
)

// boardLoadLimit bounds how many parts a board loads at once.
const boardLoadLimit = 8

// Board is a set of sessions, one per part, loaded concurrently so a slow
// part never holds up the others.
type Board struct {
	order    []string
	sessions map[string]*Session

	mu     sync.Mutex
	failed map[string]error
	closed bool
}

// OpenBoard opens a session for each id in partIDs, or for every part on the
// server when partIDs is empty. A part that fails to load is recorded in
// Failed; OpenBoard itself only fails when listing fails or ctx ends.
func OpenBoard(ctx context.Context, backend Backend, partIDs []string, opts Options) (*Board, error) {
	if len(partIDs) == 0 {
		parts, err := backend.ListParts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		for _, p := range parts {
			partIDs = append(partIDs, p.ID)
		}
	}

	b := &Board{
		order:    make([]string, 0, len(partIDs)),
		sessions: make(map[string]*Session, len(partIDs)),
		failed:   make(map[string]error),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(boardLoadLimit)
	for _, id := range partIDs {
		id := id
		g.Go(func() error {
			s, err := OpenSession(gctx, backend, id, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				b.failed[id] = err
				return nil
			}
			b.sessions[id] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.Close()
		return nil, err
	}

	for _, id := range partIDs {
		if _, ok := b.sessions[id]; ok {
			b.order = append(b.order, id)
		}
	}
	return b, nil
}

// Session returns the session of a part, or nil.
func (b *Board) Session(partID string) *Session {
	return b.sessions[partID]
}

// PartIDs returns the ids of the loaded parts in load order.
func (b *Board) PartIDs() []string {
	return append([]string(nil), b.order...)
}

// Failed returns the parts that could not be loaded with their errors.
func (b *Board) Failed() map[string]error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]error, len(b.failed))
	for id, err := range b.failed {
		out[id] = err
	}
	return out
}

// Rollups evaluates every loaded part in load order.
func (b *Board) Rollups() []progress.PartProgress {
	out := make([]progress.PartProgress, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.sessions[id].Rollup())
	}
	return out
}

// SaveAll saves every session with pending edits concurrently. Failures are
// joined; sessions that saved stay Synced.
func (b *Board) SaveAll(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(boardLoadLimit)
	for _, id := range b.order {
		s := b.sessions[id]
		if s.State() == Synced {
			continue
		}
		g.Go(func() error {
			err := s.Save(ctx)
			if err != nil && !errors.Is(err, ErrNothingToSave) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("part %s: %w", s.PartID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every session.
func (b *Board) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	for _, s := range b.sessions {
		s.Close()
	}
}
