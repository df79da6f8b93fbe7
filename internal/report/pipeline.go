// Package report turns the final transcript of a closed triage session into a
// persisted, validated report.
package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meditriage/triage-platform/internal/llm"
	"github.com/meditriage/triage-platform/internal/observability/metrics"
	"github.com/meditriage/triage-platform/internal/patients"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

const defaultGenerateTimeout = 5 * time.Minute

// Summarizer is the report role of the model gateway.
type Summarizer interface {
	Summarize(ctx context.Context, history []llm.ChatMessage, strict bool) (*llm.ReportPayload, error)
}

// ReportStore persists finished reports and failure records.
type ReportStore interface {
	CreateReport(ctx context.Context, r *patients.Report) error
	SetReportURL(ctx context.Context, id int64, url string) error
	MarkFailed(ctx context.Context, f *patients.ReportFailure) error
}

// Claimer takes the cross-process dispatch claim for a session.
type Claimer interface {
	Claim(ctx context.Context, sessionID string) (bool, error)
	Claimed(ctx context.Context, sessionID string) (bool, error)
}

// Pipeline generates reports asynchronously. Dispatch never blocks the
// calling turn; Wait drains in-flight generations on shutdown.
type Pipeline struct {
	gateway  Summarizer
	store    ReportStore
	claims   Claimer
	renderer DocumentRenderer
	logger   *logging.Logger
	metrics  *metrics.TriageMetrics
	timeout  time.Duration

	wg sync.WaitGroup
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClaimStore enables the cross-process dispatch claim. Without it the
// in-process state machine is the only duplicate guard.
func WithClaimStore(c Claimer) PipelineOption {
	return func(p *Pipeline) { p.claims = c }
}

// WithRenderer enables document rendering for stored reports.
func WithRenderer(r DocumentRenderer) PipelineOption {
	return func(p *Pipeline) { p.renderer = r }
}

// WithGenerateTimeout bounds a single report generation.
func WithGenerateTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

func NewPipeline(gateway Summarizer, store ReportStore, logger *logging.Logger, m *metrics.TriageMetrics, opts ...PipelineOption) *Pipeline {
	if gateway == nil {
		panic("report: summarizer required")
	}
	if store == nil {
		panic("report: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pipeline{
		gateway: gateway,
		store:   store,
		logger:  logger,
		metrics: m,
		timeout: defaultGenerateTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch hands the final transcript to the pipeline and returns
// immediately. Generation runs on its own context so a dropped connection
// cannot cancel it.
func (p *Pipeline) Dispatch(sessionID, userID string, turns []transcript.Turn, escalated bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.run(ctx, sessionID, userID, turns, escalated)
	}()
}

// Wait blocks until every dispatched generation has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, sessionID, userID string, turns []transcript.Turn, escalated bool) {
	if p.claims != nil {
		ok, err := p.claims.Claim(ctx, sessionID)
		if err != nil {
			p.logger.Error("report claim failed", "session_id", sessionID, "error", err)
			// A failed insert does not tell us who holds the claim. Re-read
			// before deciding: only a confirmed existing claim skips the
			// report, any other outcome generates anyway rather than lose it.
			claimed, checkErr := p.claims.Claimed(ctx, sessionID)
			if checkErr != nil {
				p.logger.Error("report claim re-check failed", "session_id", sessionID, "error", checkErr)
			} else if claimed {
				p.logger.Info("report already dispatched elsewhere", "session_id", sessionID)
				return
			}
		} else if !ok {
			p.logger.Info("report already dispatched elsewhere", "session_id", sessionID)
			return
		}
	}

	rec, err := p.Generate(ctx, sessionID, userID, turns, escalated)
	if err != nil {
		p.metrics.ObserveReport("failed")
		p.logger.Error("report generation failed", "session_id", sessionID, "error", err)
		failure := &patients.ReportFailure{
			SessionID: sessionID,
			PatientID: userID,
			Reason:    err.Error(),
		}
		if storeErr := p.store.MarkFailed(ctx, failure); storeErr != nil {
			p.logger.Error("recording report failure failed", "session_id", sessionID, "error", storeErr)
		}
		return
	}

	p.metrics.ObserveReport("ok")
	p.logger.Info("report stored",
		"session_id", sessionID,
		"report_id", rec.ID,
		"health_status", rec.HealthStatus,
	)

	if p.renderer != nil {
		p.wg.Add(1)
		go p.render(rec)
	}
}

// Generate summarizes the transcript via the report role, validates the
// result, and persists it. Invalid model output gets exactly one stricter
// retry before the session is recorded as failed.
func (p *Pipeline) Generate(ctx context.Context, sessionID, userID string, turns []transcript.Turn, escalated bool) (*patients.Report, error) {
	history := historyFromTurns(turns)

	payload, err := p.gateway.Summarize(ctx, history, false)
	if err != nil {
		if !errors.Is(err, llm.ErrInvalidModelOutput) {
			return nil, err
		}
		p.logger.Warn("report output invalid, retrying with strict prompt",
			"session_id", sessionID, "error", err)
		payload, err = p.gateway.Summarize(ctx, history, true)
		if err != nil {
			return nil, err
		}
	}

	status := payload.HealthStatus
	if escalated && status != llm.HealthStatusCritical {
		p.logger.Warn("escalated session summarized below critical, overriding",
			"session_id", sessionID, "model_status", status)
		status = llm.HealthStatusCritical
	}

	rec := &patients.Report{
		SessionID:      sessionID,
		PatientID:      userID,
		HealthStatus:   status,
		Summary:        payload.Summary,
		Symptoms:       payload.Symptoms,
		Recommendation: payload.Recommendation,
		ReportDate:     time.Now(),
	}
	if err := p.store.CreateReport(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// render is fire-and-forget: failures are logged, the report row keeps a
// null URL, and the report itself is already durable.
func (p *Pipeline) render(rec *patients.Report) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	url, err := p.renderer.Render(ctx, rec)
	if err != nil {
		p.logger.Warn("report render failed", "report_id", rec.ID, "error", err)
		return
	}
	if err := p.store.SetReportURL(ctx, rec.ID, url); err != nil {
		p.logger.Warn("storing report url failed", "report_id", rec.ID, "error", err)
		return
	}
	p.logger.Info("report rendered", "report_id", rec.ID, "url", url)
}


// historyFromTurns rebuilds the chat history from the stored transcript,
// using display text so control markers do not leak into the summary input.
func historyFromTurns(turns []transcript.Turn) []llm.ChatMessage {
	history := make([]llm.ChatMessage, 0, len(turns))
	for _, turn := range turns {
		role := llm.ChatRoleUser
		if turn.Role == transcript.RoleAssistant {
			role = llm.ChatRoleAssistant
		}
		history = append(history, llm.ChatMessage{Role: role, Content: turn.DisplayText})
	}
	return history
}
