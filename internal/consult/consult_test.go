package consult_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gampwise/internal/consult"
	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
)

func newManager(ch consult.Channel) *consult.Manager {
	return consult.NewManager(ch, consult.WithLogger(logging.Discard()))
}

func categoryAsk(timeout time.Duration) consult.Ask {
	return consult.Ask{
		Kind:    consult.KindCategorization,
		Reason:  "narrow_gap",
		Options: []string{"cat4", "cat5"},
		Default: "cat5",
		Timeout: timeout,
	}
}

func TestManager_TimeoutDefault(t *testing.T) {
	mgr := newManager(consult.NewMuxChannel())
	log := eventlog.NewLog("run-1")

	start := time.Now()
	rec, err := mgr.Request(context.Background(), log, "run-1", categoryAsk(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("resolved after %s, before the deadline", elapsed)
	}
	if rec.Source != consult.SourceTimeoutDefault || rec.Decision != "cat5" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Deadline.IsZero() || rec.Responder != "" {
		t.Errorf("deadline %v responder %q", rec.Deadline, rec.Responder)
	}
	if !log.Has(eventlog.ConsultationRequested) || !log.Has(eventlog.ConsultationResolved) {
		t.Error("missing consultation events")
	}
	ev, _ := log.Last(eventlog.ConsultationResolved)
	if ev.Payload["source"] != "timeout-default" {
		t.Errorf("resolved payload = %v", ev.Payload)
	}
}

func TestManager_HumanResolution(t *testing.T) {
	mux := consult.NewMuxChannel()
	mgr := newManager(mux)
	log := eventlog.NewLog("run-1")

	go func() {
		<-mux.Posted()
		p := mux.Pending()
		if len(p) != 1 {
			t.Errorf("pending = %d", len(p))
			return
		}
		if err := mux.Resolve(p[0].ID, consult.Response{Decision: "dog", Responder: "qa"}); !errors.Is(err, consult.ErrInvalidDecision) {
			t.Errorf("invalid decision: %v", err)
		}
		if err := mux.Resolve(p[0].ID, consult.Response{Decision: "cat4"}); !errors.Is(err, consult.ErrNoResponder) {
			t.Errorf("missing responder: %v", err)
		}
		if err := mux.Resolve(p[0].ID, consult.Response{Decision: "cat4", Responder: "qa-lead", Note: "vendor config only"}); err != nil {
			t.Errorf("resolve: %v", err)
		}
		if err := mux.Resolve(p[0].ID, consult.Response{Decision: "cat5", Responder: "qa-lead"}); !errors.Is(err, consult.ErrAlreadyResolved) {
			t.Errorf("double resolve: %v", err)
		}
	}()

	rec, err := mgr.Request(context.Background(), log, "run-1", categoryAsk(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != consult.SourceHuman || rec.Decision != "cat4" || rec.Responder != "qa-lead" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Note != "vendor config only" {
		t.Errorf("note = %q", rec.Note)
	}
}

func TestManager_IndependentRecords(t *testing.T) {
	mgr := newManager(consult.NewMuxChannel())
	log := eventlog.NewLog("run-1")
	first, err := mgr.Request(context.Background(), log, "run-1", categoryAsk(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Request(context.Background(), log, "run-1", consult.Ask{
		Kind: consult.KindQualityGate, Reason: "min_test_cases", Options: []string{"accept", "reject"},
		Default: "reject", Timeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("second consultation reused the first id")
	}
	if first.Kind == second.Kind || !first.Resolved() || !second.Resolved() {
		t.Errorf("records = %+v, %+v", first, second)
	}
	if log.Count(eventlog.ConsultationRequested) != 2 {
		t.Errorf("requested events = %d", log.Count(eventlog.ConsultationRequested))
	}
}

func TestManager_ContextCancelDoesNotFabricate(t *testing.T) {
	mgr := newManager(consult.NewMuxChannel())
	log := eventlog.NewLog("run-1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec, err := mgr.Request(ctx, log, "run-1", categoryAsk(time.Minute))
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("kind = %q, want timeout", faults.KindOf(err))
	}
	if rec.Resolved() {
		t.Errorf("record resolved without a decision: %+v", rec)
	}
	if log.Has(eventlog.ConsultationResolved) {
		t.Error("resolution event appended for an abandoned consultation")
	}
}

func TestManager_RejectsBadAsk(t *testing.T) {
	mgr := newManager(consult.NewMuxChannel())
	ask := categoryAsk(time.Second)
	ask.Default = "cat9"
	_, err := mgr.Request(context.Background(), eventlog.NewLog("r"), "r", ask)
	if faults.KindOf(err) != faults.KindStateInvariant {
		t.Fatalf("kind = %q", faults.KindOf(err))
	}
}

func TestMuxChannel_ConcurrentRuns(t *testing.T) {
	mux := consult.NewMuxChannel()
	ctx := context.Background()
	const n = 8

	ids := make([]string, n)
	for i := range ids {
		id, err := mux.Post(ctx, consult.Request{Options: []string{"a", "b"}, Default: "b", Deadline: time.Now().Add(time.Second)})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	got := make([]string, n)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := mux.AwaitResponse(ctx, id, time.Now().Add(time.Second))
			if err != nil {
				t.Errorf("await %s: %v", id, err)
				return
			}
			got[i] = resp.Note
		}()
	}
	for _, id := range ids {
		if err := mux.Resolve(id, consult.Response{Decision: "a", Responder: "r", Note: id}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("responses misrouted:\n%s", diff)
	}
}

func TestMuxChannel_AbortAndExpired(t *testing.T) {
	mux := consult.NewMuxChannel()
	ctx := context.Background()
	id, _ := mux.Post(ctx, consult.Request{Options: []string{"a"}, Default: "a"})
	if _, err := mux.AwaitResponse(ctx, id, time.Now().Add(5*time.Millisecond)); !errors.Is(err, consult.ErrAwaitTimeout) {
		t.Fatalf("await: %v", err)
	}
	if err := mux.Resolve(id, consult.Response{Decision: "a", Responder: "r"}); !errors.Is(err, consult.ErrUnknownConsultation) {
		t.Errorf("resolve after expiry: %v", err)
	}

	id2, _ := mux.Post(ctx, consult.Request{Options: []string{"a"}, Default: "a"})
	go mux.Abort(errors.New("shutting down"))
	if _, err := mux.AwaitResponse(ctx, id2, time.Now().Add(time.Second)); err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Errorf("await after abort: %v", err)
	}
}

func TestTerminalChannel(t *testing.T) {
	var out bytes.Buffer
	term := consult.NewTerminalChannel(strings.NewReader("7\ncat5\n"), &out, "alice")
	mgr := newManager(term)

	rec, err := mgr.Request(context.Background(), eventlog.NewLog("run-1"), "run-1", categoryAsk(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != "cat5" || rec.Responder != "alice" || rec.Source != consult.SourceHuman {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(out.String(), `"7" is not an option`) {
		t.Errorf("output missing rejection:\n%s", out.String())
	}
}

func TestTerminalChannel_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	term := consult.NewTerminalChannel(pr, io.Discard, "")
	rec, err := newManager(term).Request(context.Background(), eventlog.NewLog("run-1"), "run-1", categoryAsk(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != consult.SourceTimeoutDefault {
		t.Errorf("source = %s", rec.Source)
	}
}
