// Package scheduler runs one workflow per account over a bounded pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/flow"
)

// Failure stages owned by the scheduler rather than by a workflow stage.
const (
	StageSession   = "session"
	StageScheduler = "scheduler"
)

// WorkflowRunner runs every resource of one account on a session. *flow.Workflow satisfies it.
type WorkflowRunner interface {
	Run(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result
}

// ResultSink receives results as they are produced. Calls use a context detached from the
// run, so results completed before a cancellation are still recorded.
type ResultSink interface {
	StartRun(ctx context.Context, runID string, accounts int) error
	RecordResult(ctx context.Context, r flow.Result) error
	FinishRun(ctx context.Context, runID string, succeeded, failed int) error
}

// Summary aggregates one scheduler run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Results    []flow.Result `json:"results"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResultSink forwards every result to sink.
func WithResultSink(sink ResultSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// Scheduler drains an account list with at most Concurrency workflows in flight.
type Scheduler struct {
	concurrency     int
	limiter         *rate.Limiter
	shutdownTimeout time.Duration
	sessions        browser.SessionFactory
	runner          WorkflowRunner
	sink            ResultSink
	logger          *zap.Logger
}

// New creates a Scheduler.
func New(cfg config.Interface, sessions browser.SessionFactory, runner WorkflowRunner, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session factory cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("workflow runner cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	sc := cfg.Scheduler()
	if sc.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", sc.Concurrency)
	}
	s := &Scheduler{
		concurrency:     sc.Concurrency,
		shutdownTimeout: sc.ShutdownTimeout,
		sessions:        sessions,
		runner:          runner,
		logger:          logger.With(zap.String("component", "scheduler")),
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 15 * time.Second
	}
	if sc.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(sc.LaunchRate), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes a workflow for every account and returns once all workers have drained the
// list. Individual failures are recorded in the summary; the returned error is non-nil only
// when ctx ended the run early.
func (s *Scheduler) Run(ctx context.Context, list []accounts.Account) (Summary, error) {
	summary := Summary{RunID: uuid.NewString(), StartedAt: time.Now()}
	log := s.logger.With(zap.String("run_id", summary.RunID))

	n := len(list)
	workers := min(s.concurrency, n)
	log.Info("Starting run.", zap.Int("accounts", n), zap.Int("workers", workers))
	s.notify(func(ctx context.Context) error { return s.sink.StartRun(ctx, summary.RunID, n) }, log)

	perAccount := make([][]flow.Result, n)
	var cursor atomic.Int64
	var g errgroup.Group
	for w := 1; w <= workers; w++ {
		wlog := log.With(zap.Int("worker_id", w))
		g.Go(func() error {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= n {
					return nil
				}
				results := s.runOne(ctx, list[i], wlog)
				for j := range results {
					results[j].RunID = summary.RunID
					r := results[j]
					s.notify(func(ctx context.Context) error { return s.sink.RecordResult(ctx, r) }, wlog)
				}
				perAccount[i] = results
			}
		})
	}
	// Workers never return errors; Wait is the drain barrier.
	_ = g.Wait()

	for _, results := range perAccount {
		for _, r := range results {
			summary.Results = append(summary.Results, r)
			if r.Succeeded() {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
		}
	}
	summary.Total = len(summary.Results)
	summary.FinishedAt = time.Now()
	s.notify(func(ctx context.Context) error {
		return s.sink.FinishRun(ctx, summary.RunID, summary.Succeeded, summary.Failed)
	}, log)

	log.Info("Run complete.",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	return summary, ctx.Err()
}

// runOne owns one account from session acquisition to session release.
func (s *Scheduler) runOne(ctx context.Context, acct accounts.Account, log *zap.Logger) (results []flow.Result) {
	log = log.With(zap.String("account", acct.Identity))
	started := time.Now()
	fail := func(stage string, err error) []flow.Result {
		return []flow.Result{{
			Account:     acct.Identity,
			State:       flow.StateFailed,
			FailedStage: stage,
			Reason:      err.Error(),
			Trace:       []flow.State{flow.StateStart, flow.StateFailed},
			StartedAt:   started,
			FinishedAt:  time.Now(),
		}}
	}

	if err := ctx.Err(); err != nil {
		return fail(StageScheduler, fmt.Errorf("not started: %w", err))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fail(StageScheduler, fmt.Errorf("launch throttle: %w", err))
		}
	}

	session, err := s.sessions.NewSession(ctx)
	if err != nil {
		log.Error("Failed to open browser session.", zap.Error(err))
		return fail(StageSession, err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(browser.Detach(ctx), s.shutdownTimeout)
		defer cancel()
		if err := session.Close(cctx); err != nil {
			log.Warn("Failed to close browser session.", zap.String("session_id", session.ID()), zap.Error(err))
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			log.Error("Workflow panicked.", zap.Any("panic", p), zap.Stack("stack"))
			results = fail(StageScheduler, fmt.Errorf("workflow panic: %v", p))
		}
	}()

	log.Info("Workflow started.", zap.String("session_id", session.ID()))
	results = s.runner.Run(ctx, session, acct)
	for _, r := range results {
		if r.Succeeded() {
			log.Info("Resource provisioned.", zap.String("resource", r.ResourceID))
		} else {
			log.Warn("Resource failed.",
				zap.String("resource", r.ResourceID),
				zap.String("stage", r.FailedStage),
				zap.String("reason", r.Reason))
		}
	}
	return results
}

func (s *Scheduler) notify(call func(ctx context.Context) error, log *zap.Logger) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := call(ctx); err != nil {
		log.Warn("Result sink rejected update.", zap.Error(err))
	}
}
