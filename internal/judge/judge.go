// Package judge implements the dual-judge evaluation pipeline:
// two independent scorer providers rate the relevance of a document to a
// query, in parallel, with retry-then-neutral-fallback on persistent
// failure, and Cohen's κ measures their agreement.
package judge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ethrdev/cogmem/internal/model"
	"github.com/ethrdev/cogmem/internal/retrywait"
	"github.com/ethrdev/cogmem/internal/storage"
)

// neutralScore is substituted for a document's judge score when the
// provider fails persistently after all retries: partial success is
// preferred over aborting the whole batch.
const neutralScore = 0.5

// Doc is one candidate document scored against a query.
type Doc struct {
	ID      uuid.UUID
	Content string
}

// Scorer produces a scalar relevance score in [0,1] for a (query, content)
// pair. Two independent Scorer implementations act as the dual judges; the
// pipeline does not enforce independence, but pointing both at the same
// backend defeats the agreement metric.
type Scorer interface {
	// Score returns a relevance score in [0,1]. Implementations return a
	// retryable error (satisfying errors.As to *RetryableError) for
	// rate-limit, service-unavailable, or timeout responses.
	Score(ctx context.Context, query, content string) (score float64, tokenCount int, err error)
	// ModelName identifies the provider/model for GroundTruth.judge*_model
	// and ApiCostRecord.provider.
	ModelName() string
}

// RetryableError wraps a transient provider failure that retrywait.Do
// should retry: rate limiting, service unavailability, or a timeout.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Pipeline runs store_dual_judge_scores against a storage-backed pair of
// Scorer providers.
type Pipeline struct {
	db          *storage.DB
	judge1      Scorer
	judge2      Scorer
	logger      *slog.Logger
	retryPolicy retrywait.Policy
}

// New returns a Pipeline. judge1 and judge2 should be independent provider
// instances; the pipeline does not verify this.
func New(db *storage.DB, judge1, judge2 Scorer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		db:          db,
		judge1:      judge1,
		judge2:      judge2,
		logger:      logger,
		retryPolicy: retrywait.DefaultPolicy,
	}
}

// WithRetryPolicy overrides the default retry policy.
func (p *Pipeline) WithRetryPolicy(policy retrywait.Policy) *Pipeline {
	p.retryPolicy = policy
	return p
}

// Result is the output of Score: store_dual_judge_scores.
type Result struct {
	Judge1Scores []float64
	Judge2Scores []float64
	Kappa        *float64 // nil when undefined (both judges unanimous on one class).
}

// Score runs both judges over docs in parallel, one goroutine pair per
// document, persists the resulting GroundTruth row, and emits an
// ApiCostRecord per provider call. A per-document provider failure that
// exhausts retries degrades to the neutral score (0.5) for that judge
// rather than failing the whole call.
func (p *Pipeline) Score(ctx context.Context, queryID uuid.UUID, query string, docs []Doc) (Result, error) {
	if query == "" {
		return Result{}, model.Validation("query", "must not be empty")
	}
	if len(docs) == 0 {
		return Result{}, model.Validation("docs", "must not be empty")
	}

	judge1Scores := make([]float64, len(docs))
	judge2Scores := make([]float64, len(docs))

	g, gCtx := errgroup.WithContext(ctx)
	for i, d := range docs {
		i, d := i, d
		g.Go(func() error {
			score, err := p.scoreOneDoc(gCtx, p.judge1, queryID, query, d)
			if err != nil {
				return err
			}
			judge1Scores[i] = score
			return nil
		})
		g.Go(func() error {
			score, err := p.scoreOneDoc(gCtx, p.judge2, queryID, query, d)
			if err != nil {
				return err
			}
			judge2Scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, model.Evaluation(err)
	}

	kappa := cohensKappa(judge1Scores, judge2Scores)

	if _, err := p.db.InsertGroundTruth(ctx, query, docIDs(docs), judge1Scores, judge2Scores, p.judge1.ModelName(), p.judge2.ModelName(), kappa); err != nil {
		return Result{}, err
	}

	return Result{Judge1Scores: judge1Scores, Judge2Scores: judge2Scores, Kappa: kappa}, nil
}

// scoreOneDoc calls scorer with retry, falling back to the neutral score on
// exhausted retries rather than failing the batch, and records the call's
// cost regardless of outcome.
func (p *Pipeline) scoreOneDoc(ctx context.Context, scorer Scorer, queryID uuid.UUID, query string, d Doc) (float64, error) {
	var score float64
	var tokenCount int
	err := retrywait.Do(ctx, p.retryPolicy, isRetryable, func(ctx context.Context) error {
		s, tc, callErr := scorer.Score(ctx, query, d.Content)
		if callErr != nil {
			return callErr
		}
		score, tokenCount = s, tc
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.logger.Warn("judge: provider failed after retries, recording neutral score",
			"model", scorer.ModelName(), "doc_id", d.ID, "error", err)
		score = neutralScore
	}

	qid := queryID
	if costErr := p.db.InsertApiCostRecord(ctx, model.ApiCostRecord{
		Timestamp:  time.Now().UTC(),
		Provider:   scorer.ModelName(),
		Operation:  "store_dual_judge_scores",
		TokenCount: tokenCount,
		QueryID:    &qid,
	}); costErr != nil {
		p.logger.Warn("judge: record api cost failed", "error", costErr)
	}
	return score, nil
}

func docIDs(docs []Doc) []uuid.UUID {
	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

// cohensKappa computes chance-corrected inter-judge agreement: binarise
// each score at >0.5, compute observed vs. chance-expected agreement, and
// return nil (the NaN/undefined sentinel) when the two judges are unanimous
// on one class so the denominator is zero.
func cohensKappa(judge1, judge2 []float64) *float64 {
	n := len(judge1)
	if n == 0 || n != len(judge2) {
		return nil
	}

	var agree int
	var judge1Pos, judge2Pos int
	for i := 0; i < n; i++ {
		b1 := binarize(judge1[i])
		b2 := binarize(judge2[i])
		if b1 == b2 {
			agree++
		}
		if b1 == 1 {
			judge1Pos++
		}
		if b2 == 1 {
			judge2Pos++
		}
	}

	pO := float64(agree) / float64(n)
	p1Pos := float64(judge1Pos) / float64(n)
	p2Pos := float64(judge2Pos) / float64(n)
	pE := p1Pos*p2Pos + (1-p1Pos)*(1-p2Pos)

	denom := 1 - pE
	if denom == 0 {
		return nil
	}
	kappa := (pO - pE) / denom
	return &kappa
}

func binarize(score float64) int {
	if score > 0.5 {
		return 1
	}
	return 0
}
