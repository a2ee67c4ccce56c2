package eventlog_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
)

func TestLog_SequenceIsMonotonic(t *testing.T) {
	log := eventlog.NewLog("run-1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Append(eventlog.AgentCompleted, "collect", nil); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	events := log.Events()
	if len(events) != 50 {
		t.Fatalf("len = %d, want 50", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestLog_TerminalSeals(t *testing.T) {
	log := eventlog.NewLog("run-1")
	if _, err := log.Append(eventlog.Ingested, "ingest", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(eventlog.RunFailed, "engine", map[string]any{"reason": "timeout"}); err != nil {
		t.Fatal(err)
	}
	_, err := log.Append(eventlog.RunCompleted, "engine", nil)
	if faults.KindOf(err) != faults.KindStateInvariant {
		t.Fatalf("append after terminal: kind %q, want state_invariant", faults.KindOf(err))
	}
	if !log.Sealed() {
		t.Error("log should be sealed")
	}
}

func TestLog_RejectsUnknownType(t *testing.T) {
	log := eventlog.NewLog("run-1")
	if _, err := log.Append(eventlog.Type("rewound"), "x", nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestLog_PayloadIsCopied(t *testing.T) {
	log := eventlog.NewLog("run-1")
	p := map[string]any{"category": "4"}
	if _, err := log.Append(eventlog.Categorized, "classify", p); err != nil {
		t.Fatal(err)
	}
	p["category"] = "5"
	ev, _ := log.Last(eventlog.Categorized)
	if ev.Payload["category"] != "4" {
		t.Errorf("past event mutated: %v", ev.Payload)
	}
}

func TestLog_RequireAndObserver(t *testing.T) {
	var seen []eventlog.Type
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := eventlog.NewLog("run-1",
		eventlog.WithClock(func() time.Time { return fixed }),
		eventlog.WithObserver(eventlog.ObserverFunc(func(e eventlog.Event) { seen = append(seen, e.Type) })),
	)

	if _, err := log.Require(eventlog.Categorized, "dispatch"); faults.KindOf(err) != faults.KindStateInvariant {
		t.Fatalf("Require before append: %v", err)
	}
	ev, _ := log.Append(eventlog.Categorized, "classify", nil)
	if !ev.At.Equal(fixed) {
		t.Errorf("At = %v, want %v", ev.At, fixed)
	}
	if _, err := log.Require(eventlog.Categorized, "dispatch"); err != nil {
		t.Fatalf("Require after append: %v", err)
	}
	if diff := cmp.Diff([]eventlog.Type{eventlog.Categorized}, seen); diff != "" {
		t.Errorf("observer mismatch:\n%s", diff)
	}
	if log.Count(eventlog.Categorized) != 1 {
		t.Errorf("Count = %d", log.Count(eventlog.Categorized))
	}
}

func TestContext_WriteOnce(t *testing.T) {
	c := eventlog.NewContext("run-1")
	if err := c.Put(eventlog.KeyCategoryResult, "4"); err != nil {
		t.Fatal(err)
	}
	err := c.Put(eventlog.KeyCategoryResult, "5")
	if !errors.Is(err, eventlog.ErrKeyExists) {
		t.Fatalf("second Put: %v, want ErrKeyExists", err)
	}
	if faults.KindOf(err) != faults.KindStateInvariant {
		t.Errorf("kind = %q", faults.KindOf(err))
	}
}

func TestContext_MissingKeyFails(t *testing.T) {
	c := eventlog.NewContext("run-1")
	_, err := c.Get(eventlog.KeyAgentResults)
	if !errors.Is(err, eventlog.ErrMissingKey) {
		t.Fatalf("Get missing: %v", err)
	}
	if !errors.Is(err, faults.ErrStateInvariant) {
		t.Error("missing key must be a state invariant error")
	}
}

func TestContext_OverwriteVersions(t *testing.T) {
	c := eventlog.NewContext("run-1")
	if err := c.Overwrite("suite", "x", "recover"); !errors.Is(err, eventlog.ErrMissingKey) {
		t.Fatalf("overwrite of absent key: %v", err)
	}
	_ = c.Put("suite", "draft")
	if err := c.Overwrite("suite", "final", ""); err == nil {
		t.Fatal("overwrite without reason must fail")
	}
	if err := c.Overwrite("suite", "final", "human accepted"); err != nil {
		t.Fatal(err)
	}
	if c.Version("suite") != 2 {
		t.Errorf("Version = %d, want 2", c.Version("suite"))
	}
	hist := c.History("suite")
	want := []eventlog.Entry{
		{Value: "draft", Version: 1},
		{Value: "final", Version: 2, Reason: "human accepted"},
	}
	if diff := cmp.Diff(want, hist); diff != "" {
		t.Errorf("history mismatch:\n%s", diff)
	}
}

func TestLookup_TypeMismatch(t *testing.T) {
	c := eventlog.NewContext("run-1")
	_ = c.Put("n", 3)
	if v, err := eventlog.Lookup[int](c, "n"); err != nil || v != 3 {
		t.Fatalf("Lookup[int] = %v, %v", v, err)
	}
	if _, err := eventlog.Lookup[string](c, "n"); faults.KindOf(err) != faults.KindStateInvariant {
		t.Errorf("type mismatch kind = %q", faults.KindOf(err))
	}
}
