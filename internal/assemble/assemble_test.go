package assemble_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gampwise/internal/agents"
	"gampwise/internal/assemble"
	"gampwise/internal/faults"
)

func resultSet(results ...agents.Result) agents.ResultSet {
	rs := agents.ResultSet{Results: map[agents.Capability]agents.Result{}}
	ok := 0
	for _, r := range results {
		rs.Results[r.Capability] = r
		rs.Order = append(rs.Order, r.Capability)
		if r.Succeeded() {
			ok++
		}
	}
	switch {
	case ok == len(results):
		rs.Status = agents.SetComplete
	case ok == 0:
		rs.Status = agents.SetCompleteFailure
	default:
		rs.Status = agents.SetPartial
	}
	return rs
}

func success(c agents.Capability, p agents.Payload) agents.Result {
	return agents.Result{Capability: c, Status: agents.StatusSucceeded, Payload: p}
}

func failure(c agents.Capability, kind faults.Kind) agents.Result {
	return agents.Result{Capability: c, Status: agents.StatusFailed, Failure: &agents.Failure{Kind: kind, Message: "boom"}}
}

var contextPayload = agents.Payload{
	"passages": []map[string]any{
		{"id": "d4", "source": "GAMP5 App D4", "text": "code review of custom modules"},
		{"id": "d5", "source": "GAMP5 App D5", "text": "structural testing"},
	},
	"sources": []string{"GAMP5 App D4", "GAMP5 App D5"},
}

func TestAssemble_PartialContextProceedsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	a := assemble.NewAssembler()
	a.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	rs := resultSet(
		success(agents.ContextRetrieval, contextPayload),
		success(agents.DomainExpert, agents.Payload{"findings": []any{"segregation of duties"}}),
		failure(agents.Research, faults.KindTimeout),
	)
	out, err := a.Assemble(context.Background(), "cat5", rs)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Suite.PartialContext || !out.Partial.Proceed {
		t.Errorf("partial = %+v suite partial = %v", out.Partial, out.Suite.PartialContext)
	}
	if diff := cmp.Diff([]agents.Capability{agents.Research}, out.Suite.Missing); diff != "" {
		t.Errorf("missing mismatch:\n%s", diff)
	}
	if len(out.Suite.Tests) != 3 || out.Suite.Tests[0].Rigor != "full" {
		t.Errorf("tests = %+v", out.Suite.Tests)
	}
	if out.NeedsConsultation {
		t.Errorf("gates failed: %v", out.FailedGates())
	}
	if diff := cmp.Diff([]string{"GAMP5 App D4", "GAMP5 App D5"}, out.Suite.Sources); diff != "" {
		t.Errorf("sources mismatch:\n%s", diff)
	}
	if !strings.Contains(buf.String(), "partial agent context decision") {
		t.Errorf("partial decision not logged:\n%s", buf.String())
	}
}

func TestAssemble_RequiredCapabilityMissing(t *testing.T) {
	rs := resultSet(
		failure(agents.ContextRetrieval, faults.KindTimeout),
		success(agents.DomainExpert, agents.Payload{"findings": []any{"x"}}),
	)
	_, err := assemble.NewAssembler().Assemble(context.Background(), "cat4", rs)
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("kind = %q (%v)", faults.KindOf(err), err)
	}
}

func TestAssemble_CompleteFailureIsError(t *testing.T) {
	rs := resultSet(failure(agents.ContextRetrieval, faults.KindTransport), failure(agents.Research, faults.KindTransport))
	if _, err := assemble.NewAssembler().Assemble(context.Background(), "cat4", rs); err == nil {
		t.Fatal("complete failure must not produce a suite")
	}
}

func TestAssemble_FailedGatesNeedConsultation(t *testing.T) {
	a := assemble.NewAssembler()
	a.Gates = append(a.Gates, assemble.MinTestCases(10))
	out, err := a.Assemble(context.Background(), "cat3", resultSet(success(agents.ContextRetrieval, contextPayload)))
	if err != nil {
		t.Fatal(err)
	}
	if !out.NeedsConsultation {
		t.Fatal("expected consultation")
	}
	if diff := cmp.Diff([]string{"min_test_cases"}, out.FailedGates()); diff != "" {
		t.Errorf("failed gates:\n%s", diff)
	}
	if faults.KindOf(out.QualityError()) != faults.KindQualityGate {
		t.Errorf("QualityError kind = %q", faults.KindOf(out.QualityError()))
	}
}

func TestPartialPolicy_Decide(t *testing.T) {
	rs := resultSet(success(agents.ContextRetrieval, nil), failure(agents.Research, faults.KindTransport))
	tests := []struct {
		name    string
		policy  assemble.PartialPolicy
		proceed bool
	}{
		{"require all", assemble.RequireAllAgents(), false},
		{"allow partial", assemble.AllowPartial(), true},
		{"research required", assemble.AllowPartial(agents.Research), false},
		{"context required", assemble.AllowPartial(agents.ContextRetrieval), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.policy.Decide(rs)
			if d.Proceed != tt.proceed {
				t.Errorf("proceed = %v (%s)", d.Proceed, d.Reason)
			}
			if d.Reason == "" {
				t.Error("decision without a reason")
			}
		})
	}
}

func TestRequireTraceability(t *testing.T) {
	g := assemble.RequireTraceability()(assemble.Suite{Tests: []assemble.TestCase{{ID: "TC-001"}, {ID: "TC-002", TracesTo: []string{"d4"}}}})
	if g.Pass || !strings.Contains(g.Detail, "TC-001") {
		t.Errorf("gate = %+v", g)
	}
}
