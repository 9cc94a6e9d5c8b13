// Package dissonance implements the contradiction-detection and review
// lifecycle described for the knowledge graph's edge set: scanning for
// mutually exclusive or opposed edges, proposing PENDING reviews, and
// publishing the pending-edge set consumed by the IEF scorer's nuance
// penalty.
package dissonance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ethrdev/cogmem/internal/model"
	"github.com/ethrdev/cogmem/internal/storage"
)

// exclusiveRelationPairs lists unordered relation pairs that cannot both
// validly hold between the same two nodes; Detect applies it regardless of
// edge direction. Extend as new relation vocabularies are introduced.
var exclusiveRelationPairs = map[[2]string]bool{
	{"DEPENDS_ON", "SOLVES"}: true,
}

func relationsExclusive(a, b string) bool {
	if a == b {
		return false
	}
	if exclusiveRelationPairs[[2]string{a, b}] {
		return true
	}
	return exclusiveRelationPairs[[2]string{b, a}]
}

// opposedOnBoolProperty reports whether a and b carry the same-named
// boolean property with opposite values (e.g. properties["asserted"]:
// true vs false) — the "strongly opposed properties" contradiction mode.
func opposedOnBoolProperty(a, b model.GraphEdge) bool {
	for k, av := range a.Properties {
		ab, ok := av.(bool)
		if !ok {
			continue
		}
		bv, ok := b.Properties[k]
		if !ok {
			continue
		}
		bb, ok := bv.(bool)
		if ok && ab != bb {
			return true
		}
	}
	return false
}

// Contradiction is one detected pair of edges that disagree about the same
// relationship.
type Contradiction struct {
	EdgeA model.GraphEdge
	EdgeB model.GraphEdge
}

// Detect scans edges (expected to all connect the same two nodes, in either
// direction, e.g. the output of ListEdgesBetween) for contradictions. Pure
// function; no I/O.
func Detect(edges []model.GraphEdge) []Contradiction {
	var found []Contradiction
	for i := 0; i < len(edges); i++ {
		for j := i + 1; j < len(edges); j++ {
			a, b := edges[i], edges[j]
			if relationsExclusive(a.Relation, b.Relation) || opposedOnBoolProperty(a, b) {
				found = append(found, Contradiction{EdgeA: a, EdgeB: b})
			}
		}
	}
	return found
}

// Engine coordinates the persisted NuanceReview lifecycle with the
// in-memory pending-edge index that the IEF scorer reads synchronously.
// The index is
// mutated only under mu, mirroring the single-writer-lock requirement for
// shared process-local state.
type Engine struct {
	db *storage.DB

	mu        sync.RWMutex
	pending   map[uuid.UUID]struct{}
	seenPairs map[[2]uuid.UUID]struct{}
}

// pairKey normalizes an edge pair so (a,b) and (b,a) index the same entry.
func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return [2]uuid.UUID{a, b}
			}
			return [2]uuid.UUID{b, a}
		}
	}
	return [2]uuid.UUID{a, b}
}

// New returns an Engine with an empty pending index; call LoadPending to
// rehydrate it from persisted reviews on startup.
func New(db *storage.DB) *Engine {
	return &Engine{
		db:        db,
		pending:   make(map[uuid.UUID]struct{}),
		seenPairs: make(map[[2]uuid.UUID]struct{}),
	}
}

// LoadPending rebuilds the in-memory pending-edge index from every review
// currently in PENDING status.
func (e *Engine) LoadPending(ctx context.Context) error {
	reviews, err := e.db.ListPendingNuanceReviews(ctx)
	if err != nil {
		return fmt.Errorf("dissonance: load pending reviews: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = make(map[uuid.UUID]struct{}, len(reviews)*2)
	e.seenPairs = make(map[[2]uuid.UUID]struct{}, len(reviews))
	for _, r := range reviews {
		e.pending[r.EdgeAID] = struct{}{}
		e.pending[r.EdgeBID] = struct{}{}
		e.seenPairs[pairKey(r.EdgeAID, r.EdgeBID)] = struct{}{}
	}
	return nil
}

// ScanPair detects contradictions among the edges directly connecting a and
// b, persists a PENDING NuanceReview for each, and publishes both edges'
// ids into the pending index. Pairs that have already been flagged in this
// process's lifetime (or that rehydrated from a persisted PENDING review)
// are not flagged again. Returns the created reviews.
func (e *Engine) ScanPair(ctx context.Context, a, b uuid.UUID) ([]model.NuanceReview, error) {
	edges, err := e.db.ListEdgesBetween(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("dissonance: list edges between: %w", err)
	}

	contradictions := Detect(edges)
	if len(contradictions) == 0 {
		return nil, nil
	}

	reviews := make([]model.NuanceReview, 0, len(contradictions))
	for _, c := range contradictions {
		key := pairKey(c.EdgeA.ID, c.EdgeB.ID)
		e.mu.RLock()
		_, flagged := e.seenPairs[key]
		e.mu.RUnlock()
		if flagged {
			continue
		}

		nr, err := e.db.InsertNuanceReview(ctx, c.EdgeA.ID, c.EdgeB.ID)
		if err != nil {
			return reviews, fmt.Errorf("dissonance: insert review: %w", err)
		}
		reviews = append(reviews, nr)

		e.mu.Lock()
		e.pending[nr.EdgeAID] = struct{}{}
		e.pending[nr.EdgeBID] = struct{}{}
		e.seenPairs[key] = struct{}{}
		e.mu.Unlock()
	}
	return reviews, nil
}

// GetPendingNuanceEdgeIDs returns a snapshot of the currently pending edge
// id set, safe for concurrent use by the IEF scorer.
func (e *Engine) GetPendingNuanceEdgeIDs() map[uuid.UUID]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[uuid.UUID]struct{}, len(e.pending))
	for id := range e.pending {
		out[id] = struct{}{}
	}
	return out
}

// Resolve transitions a PENDING review to RESOLVED: both edges stand, and
// their penalty is removed from the pending index.
func (e *Engine) Resolve(ctx context.Context, reviewID uuid.UUID) (model.NuanceReview, error) {
	review, err := e.db.GetNuanceReview(ctx, reviewID)
	if err != nil {
		return model.NuanceReview{}, err
	}
	updated, err := e.db.ResolveNuanceReview(ctx, reviewID)
	if err != nil {
		return model.NuanceReview{}, fmt.Errorf("dissonance: resolve: %w", err)
	}
	e.clearPending(review.EdgeAID, review.EdgeBID)
	return updated, nil
}

// Supersede transitions a PENDING review to SUPERSEDED: the losing edge is
// stamped with properties.superseded_by = survivingEdgeID, and the review's
// two edges are removed from the pending index.
func (e *Engine) Supersede(ctx context.Context, reviewID, survivingEdgeID uuid.UUID) (model.NuanceReview, error) {
	review, err := e.db.GetNuanceReview(ctx, reviewID)
	if err != nil {
		return model.NuanceReview{}, err
	}

	losingEdgeID := review.EdgeAID
	if survivingEdgeID == review.EdgeAID {
		losingEdgeID = review.EdgeBID
	}

	if err := e.db.SetEdgeSupersededBy(ctx, losingEdgeID, survivingEdgeID); err != nil {
		return model.NuanceReview{}, fmt.Errorf("dissonance: stamp superseded_by: %w", err)
	}

	updated, err := e.db.SupersedeNuanceReview(ctx, reviewID)
	if err != nil {
		return model.NuanceReview{}, fmt.Errorf("dissonance: supersede: %w", err)
	}
	e.clearPending(review.EdgeAID, review.EdgeBID)
	return updated, nil
}

func (e *Engine) clearPending(ids ...uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.pending, id)
	}
}
