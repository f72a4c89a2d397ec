package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumastudio/agentgate/internal/storage"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRecorder struct {
	mu    sync.Mutex
	diffs []storage.ShadowDiffEntry
}

func (r *memRecorder) RecordShadowDiff(d storage.ShadowDiffEntry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, d)
	return "diff"
}

func (r *memRecorder) only(t *testing.T) storage.ShadowDiffEntry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.diffs) != 1 {
		t.Fatalf("expected 1 shadow diff, got %d", len(r.diffs))
	}
	return r.diffs[0]
}

func fixed(o *Outcome, err error) Runner {
	return func(context.Context, string) (*Outcome, error) { return o, err }
}

func booking() *Outcome {
	return &Outcome{
		Text: "Booked your session for Friday at 10:00.",
		Results: []StepResult{
			{Tool: "create_session", Args: json.RawMessage(`{"client_id":"cl_1","start":"2026-05-08T10:00:00Z"}`), OK: true, Result: json.RawMessage(`{"session_id":"ses_42"}`)},
			{Tool: "send_email", Args: json.RawMessage(`{"to":"a@b.c"}`), OK: true, Result: json.RawMessage(`{"sent":true}`)},
		},
	}
}

var req = Request{Input: "book Friday 10am", SessionID: "chat_1", StudioID: "studio_1"}

func TestRun_EqualOutcomesMatch(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{}, zap.NewNop())

	out, err := c.Run(context.Background(), req, fixed(booking(), nil), fixed(booking(), nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != booking().Text {
		t.Fatalf("unexpected text %q", out.Text)
	}
	c.Wait()

	d := rec.only(t)
	if !d.Match {
		t.Fatal("expected match")
	}
	if d.SessionID != "chat_1" || d.StudioID != "studio_1" || d.Input != "book Friday 10am" {
		t.Fatalf("request fields not carried: %+v", d)
	}
	if d.V1Text != booking().Text || len(d.V2ResultsJSON) == 0 {
		t.Fatalf("outcomes not captured: %+v", d)
	}
}

func TestRun_DifferentOutcomesMismatch(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{}, zap.NewNop())

	v2 := booking()
	v2.Results[0].Args = json.RawMessage(`{"client_id":"cl_1","start":"2026-05-08T11:00:00Z"}`)
	out, _ := c.Run(context.Background(), req, fixed(booking(), nil), fixed(v2, nil))
	c.Wait()

	if out.Results[0].Args == nil || strings.Contains(string(out.Results[0].Args), "11:00") {
		t.Fatal("caller must receive the legacy outcome")
	}
	if rec.only(t).Match {
		t.Fatal("expected mismatch")
	}
}

func TestRun_LegacyResultReturnedWhileCandidateSlow(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{}, zap.NewNop())
	release := make(chan struct{})

	slow := func(ctx context.Context, _ string) (*Outcome, error) {
		<-release
		return booking(), nil
	}

	start := time.Now()
	out, err := c.Run(context.Background(), req, fixed(booking(), nil), slow)
	if err != nil || out == nil {
		t.Fatalf("unexpected legacy result %v %v", out, err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("legacy path waited for the candidate")
	}

	close(release)
	c.Wait()
	if !rec.only(t).Match {
		t.Fatal("expected match once candidate finished")
	}
}

func TestRun_CandidateFailuresAreContained(t *testing.T) {
	cases := map[string]Runner{
		"error": fixed(nil, errors.New("planner exploded")),
		"panic": func(context.Context, string) (*Outcome, error) { panic("index out of range") },
		"nil":   fixed(nil, nil),
	}
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &memRecorder{}
			c := NewComparator(rec, Config{}, zap.NewNop())

			out, err := c.Run(context.Background(), req, fixed(booking(), nil), candidate)
			if err != nil || out == nil {
				t.Fatalf("candidate failure leaked to caller: %v", err)
			}
			c.Wait()

			d := rec.only(t)
			if d.Match {
				t.Fatal("a failed candidate is never a match")
			}
			if d.V2Error == "" {
				t.Fatal("expected candidate error to be recorded")
			}
		})
	}
}

func TestRun_LegacyErrorReturned(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{}, zap.NewNop())

	_, err := c.Run(context.Background(), req, fixed(nil, errors.New("llm timeout")), fixed(booking(), nil))
	if err == nil || err.Error() != "llm timeout" {
		t.Fatalf("expected legacy error, got %v", err)
	}
	c.Wait()
	d := rec.only(t)
	if d.Match || d.V1Error != "llm timeout" {
		t.Fatalf("unexpected diff %+v", d)
	}
}

func TestRun_CandidateSurvivesCallerCancel(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	candidate := func(ctx context.Context, _ string) (*Outcome, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return booking(), nil
	}
	if _, err := c.Run(ctx, req, fixed(booking(), nil), candidate); err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)
	c.Wait()

	if !rec.only(t).Match {
		t.Fatal("candidate must not observe the caller's cancellation")
	}
}

func TestRun_CandidateTimeout(t *testing.T) {
	rec := &memRecorder{}
	c := NewComparator(rec, Config{CandidateTimeout: 10 * time.Millisecond}, zap.NewNop())

	candidate := func(ctx context.Context, _ string) (*Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if _, err := c.Run(context.Background(), req, fixed(booking(), nil), candidate); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if d := rec.only(t); d.Match || d.V2Error == "" {
		t.Fatalf("expected timed-out candidate to be recorded as failed: %+v", d)
	}
}
