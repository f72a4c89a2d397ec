// Package shadow runs a candidate agent path next to the legacy path and
// records how their outcomes compare. Only the legacy outcome is ever returned.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lumastudio/agentgate/internal/metrics"
	"github.com/lumastudio/agentgate/internal/storage"
	"go.uber.org/zap"
)

// StepResult is one tool call made while producing an Outcome.
type StepResult struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Outcome is what an agent path produced for one user input.
type Outcome struct {
	Text    string          `json:"text"`
	Plan    json.RawMessage `json:"plan,omitempty"`
	Results []StepResult    `json:"results,omitempty"`
}

// Runner executes one agent path for an input.
type Runner func(ctx context.Context, input string) (*Outcome, error)

// Request identifies the input being shadowed.
type Request struct {
	Input     string
	SessionID string
	StudioID  string
}

// Recorder persists shadow diffs without blocking.
type Recorder interface {
	RecordShadowDiff(d storage.ShadowDiffEntry) string
}

// Config holds Comparator settings.
type Config struct {
	// CandidateTimeout bounds the candidate path. Zero means no limit beyond the runner's own.
	CandidateTimeout time.Duration
}

// Comparator runs legacy and candidate paths concurrently.
type Comparator struct {
	rec    Recorder
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewComparator creates a Comparator.
func NewComparator(rec Recorder, cfg Config, logger *zap.Logger) *Comparator {
	return &Comparator{rec: rec, cfg: cfg, logger: logger}
}

type run struct {
	out *Outcome
	err error
	dur time.Duration
}

// Run returns the legacy path's outcome as soon as it completes. The
// candidate path keeps running on a context detached from ctx; when both
// have finished a ShadowDiffEntry is recorded.
func (c *Comparator) Run(ctx context.Context, req Request, legacy, candidate Runner) (*Outcome, error) {
	legacyDone := make(chan run, 1)

	candCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		cctx := candCtx
		if c.cfg.CandidateTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(candCtx, c.cfg.CandidateTimeout)
			defer cancel()
		}
		v2 := invoke(cctx, candidate, req.Input)
		v1 := <-legacyDone
		c.record(req, v1, v2)
	}()

	v1 := invoke(ctx, legacy, req.Input)
	legacyDone <- v1
	return v1.out, v1.err
}

// Wait blocks until every in-flight comparison has been handed to the recorder.
func (c *Comparator) Wait() {
	c.wg.Wait()
}

func invoke(ctx context.Context, r Runner, input string) (res run) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = run{err: fmt.Errorf("runner panicked: %v", p)}
		}
		res.dur = time.Since(start)
	}()
	out, err := r(ctx, input)
	if err == nil && out == nil {
		err = fmt.Errorf("runner returned no outcome")
	}
	return run{out: out, err: err}
}

func (c *Comparator) record(req Request, v1, v2 run) {
	match := Match(v1.out, v1.err, v2.out, v2.err)

	d := storage.ShadowDiffEntry{
		StudioID:     req.StudioID,
		SessionID:    req.SessionID,
		Input:        req.Input,
		V1DurationMs: v1.dur.Milliseconds(),
		V2DurationMs: v2.dur.Milliseconds(),
		Match:        match,
	}
	if v1.err != nil {
		d.V1Error = v1.err.Error()
	} else {
		d.V1Text = v1.out.Text
	}
	if v2.err != nil {
		d.V2Error = v2.err.Error()
	} else {
		d.V2PlanJSON = v2.out.Plan
		if results, err := json.Marshal(v2.out.Results); err == nil {
			d.V2ResultsJSON = results
		}
	}

	switch {
	case v1.err != nil:
		metrics.ShadowComparison("legacy_error")
	case v2.err != nil:
		metrics.ShadowComparison("candidate_error")
	case match:
		metrics.ShadowComparison("match")
	default:
		metrics.ShadowComparison("mismatch")
	}

	id := c.rec.RecordShadowDiff(d)
	c.logger.Debug("shadow comparison recorded",
		zap.String("diff_id", id),
		zap.String("session_id", req.SessionID),
		zap.Bool("match", match),
		zap.Int64("v1_duration_ms", d.V1DurationMs),
		zap.Int64("v2_duration_ms", d.V2DurationMs),
	)
}
