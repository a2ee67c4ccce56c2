// Package mcp serves human consultations over the Model Context Protocol. A
// reviewer's MCP client lists the consultations an evaluation is waiting on,
// resolves them, and reads the report when the evaluation finishes.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"gampwise/internal/consult"
	"gampwise/internal/format"
	"gampwise/internal/logging"
	"gampwise/internal/stats"
)

var (
	DefaultReportWait = 10 * time.Second
	MaxListWait       = time.Minute
)

// ErrSessionActive is returned when starting a session while one is running.
var ErrSessionActive = errors.New("mcp: an evaluation session is already running")

// Server wraps the MCP SDK server around a consultation channel.
type Server struct {
	MCPServer *sdkmcp.Server
	Mux       *consult.MuxChannel

	mu      sync.Mutex
	session *Session
}

// NewServer creates an MCP server whose consultation tools act on mux.
func NewServer(mux *consult.MuxChannel, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{Mux: mux}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "gampwise", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_consultations",
		Description: "List the consultations waiting for a reviewer decision, earliest deadline first. Optionally waits for one to be posted.",
	}, s.handleListConsultations)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "resolve_consultation",
		Description: "Answer a pending consultation. The decision must be one of the offered options.",
	}, s.handleResolveConsultation)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_report",
		Description: "Get the evaluation report: success rate with exact interval, binomial test, strata and failed folds.",
	}, s.handleGetReport)
}

// --- Tool input/output types ---

type listConsultationsInput struct {
	WaitMS int `json:"wait_ms,omitempty" jsonschema:"when none are pending, wait up to this many milliseconds for one to be posted"`
}

type consultationView struct {
	ID          string   `json:"consultation_id"`
	RunID       string   `json:"run_id"`
	DocumentID  string   `json:"document_id,omitempty"`
	Kind        string   `json:"kind"`
	Reason      string   `json:"reason"`
	Options     []string `json:"options"`
	Default     string   `json:"default"`
	Deadline    string   `json:"deadline"`
	RemainingMS int64    `json:"remaining_ms"`
}

type listConsultationsOutput struct {
	Consultations []consultationView `json:"consultations"`
	Total         int                `json:"total"`
}

type resolveConsultationInput struct {
	ConsultationID string `json:"consultation_id" jsonschema:"id from list_consultations"`
	Decision       string `json:"decision" jsonschema:"one of the consultation options"`
	Responder      string `json:"responder" jsonschema:"who made the decision"`
	Note           string `json:"note,omitempty" jsonschema:"optional rationale recorded in the audit trail"`
}

type resolveConsultationOutput struct {
	OK             string `json:"ok"`
	ConsultationID string `json:"consultation_id"`
	Decision       string `json:"decision"`
}

type getReportInput struct {
	TimeoutMS int  `json:"timeout_ms,omitempty" jsonschema:"max wait in milliseconds when wait is set"`
	Wait      bool `json:"wait,omitempty" jsonschema:"block until the evaluation finishes"`
}

type reportSummary struct {
	N                    int     `json:"n"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	ConsultationRequired int     `json:"consultation_required"`
	SuccessRate          float64 `json:"success_rate"`
	Lower                float64 `json:"ci_lower"`
	Upper                float64 `json:"ci_upper"`
	PValue               float64 `json:"p_value"`
	FailedFolds          int     `json:"failed_folds"`
}

type getReportOutput struct {
	Status  string         `json:"status"`
	Session string         `json:"session_id,omitempty"`
	Report  string         `json:"report,omitempty"`
	Summary *reportSummary `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// --- Tool handlers ---

func (s *Server) handleListConsultations(ctx context.Context, _ *sdkmcp.CallToolRequest, input listConsultationsInput) (*sdkmcp.CallToolResult, listConsultationsOutput, error) {
	pending := s.Mux.Pending()
	if len(pending) == 0 && input.WaitMS > 0 {
		wait := min(time.Duration(input.WaitMS)*time.Millisecond, MaxListWait)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		for len(pending) == 0 {
			select {
			case <-s.Mux.Posted():
				pending = s.Mux.Pending()
				continue
			case <-timer.C:
			case <-ctx.Done():
				return nil, listConsultationsOutput{}, ctx.Err()
			}
			break
		}
	}

	now := time.Now()
	out := listConsultationsOutput{Consultations: make([]consultationView, 0, len(pending)), Total: len(pending)}
	for _, req := range pending {
		v := consultationView{
			ID:          req.ID,
			RunID:       req.RunID,
			Kind:        string(req.Kind),
			Reason:      req.Reason,
			Options:     req.Options,
			Default:     req.Default,
			Deadline:    req.Deadline.UTC().Format(time.RFC3339),
			RemainingMS: max(req.Deadline.Sub(now).Milliseconds(), 0),
		}
		if id, ok := req.Detail["document_id"].(string); ok {
			v.DocumentID = id
		}
		out.Consultations = append(out.Consultations, v)
	}
	return nil, out, nil
}

func (s *Server) handleResolveConsultation(_ context.Context, _ *sdkmcp.CallToolRequest, input resolveConsultationInput) (*sdkmcp.CallToolResult, resolveConsultationOutput, error) {
	logger := logging.New("mcp")
	if input.ConsultationID == "" {
		return nil, resolveConsultationOutput{}, fmt.Errorf("consultation_id is required")
	}
	err := s.Mux.Resolve(input.ConsultationID, consult.Response{
		Decision:  input.Decision,
		Responder: input.Responder,
		Note:      input.Note,
	})
	if err != nil {
		logger.Warn("resolve_consultation rejected", "consultation_id", input.ConsultationID, "error", err)
		return nil, resolveConsultationOutput{}, fmt.Errorf("resolve_consultation: %w", err)
	}
	return nil, resolveConsultationOutput{
		OK:             "consultation resolved",
		ConsultationID: input.ConsultationID,
		Decision:       input.Decision,
	}, nil
}

func (s *Server) handleGetReport(ctx context.Context, _ *sdkmcp.CallToolRequest, input getReportInput) (*sdkmcp.CallToolResult, getReportOutput, error) {
	sess := s.Session()
	if sess == nil {
		return nil, getReportOutput{Status: "no_session"}, nil
	}

	if input.Wait {
		timeout := DefaultReportWait
		if input.TimeoutMS > 0 {
			timeout = time.Duration(input.TimeoutMS) * time.Millisecond
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-sess.Done():
		case <-timer.C:
		case <-ctx.Done():
			return nil, getReportOutput{}, ctx.Err()
		}
	}

	out := getReportOutput{Session: sess.ID}
	switch sess.GetState() {
	case StateRunning:
		out.Status = string(StateRunning)
	case StateError:
		out.Status = string(StateError)
		out.Error = sess.Err().Error()
	default:
		rep := sess.Report()
		out.Status = string(StateDone)
		out.Report = stats.RenderText(*rep, format.Markdown)
		out.Summary = summarize(*rep)
	}
	return nil, out, nil
}

func summarize(rep stats.Report) *reportSummary {
	return &reportSummary{
		N:                    rep.N,
		Succeeded:            rep.Succeeded,
		Failed:               rep.Failed,
		ConsultationRequired: rep.ConsultationRequired,
		SuccessRate:          rep.SuccessRate.Value,
		Lower:                rep.SuccessRate.CI.Lower,
		Upper:                rep.SuccessRate.CI.Upper,
		PValue:               rep.Test.PValue,
		FailedFolds:          len(rep.FailedFolds),
	}
}

// Start runs an evaluation in the background. Only one session runs at a
// time; a finished session is replaced.
func (s *Server) Start(ctx context.Context, name string, run RunFunc) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		select {
		case <-s.session.Done():
		default:
			return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, s.session.ID)
		}
	}
	s.session = NewSession(ctx, name, run)
	return s.session, nil
}

// Session returns the current session, or nil.
func (s *Server) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Run serves MCP over t until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context, t sdkmcp.Transport) error {
	return s.MCPServer.Run(ctx, t)
}

// Shutdown cancels the active session and fails its open consultations.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Cancel()
	}
	s.Mux.Abort(errors.New("mcp server shutting down"))
}
