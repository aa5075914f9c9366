// Package flow is the per-account workflow: a fixed sequence of stages from sign-in to an
// extracted credential, with one backward edge from extraction to feature initialization.
package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/interact"
	"github.com/xkilldash9x/stagehand/internal/ledger"
	"github.com/xkilldash9x/stagehand/internal/observability"
	"github.com/xkilldash9x/stagehand/internal/stage"
)

// State is a node of the workflow state machine.
type State string

const (
	StateStart                 State = "start"
	StateAuthenticated         State = "authenticated"
	StatePrimaryResourceReady  State = "primary_resource_ready"
	StateSubResourceRegistered State = "sub_resource_registered"
	StateFeatureInitialized    State = "feature_initialized"
	StateCredentialExtracted   State = "credential_extracted"
	StateFailed                State = "failed"
)

// Stage names, used in logs, results and timing.stage_budgets keys.
const (
	StageAuthenticate        = "authenticate"
	StageCreateResource      = "create_primary_resource"
	StageRegisterSubResource = "register_sub_resource"
	StageInitializeFeature   = "initialize_feature"
	StageExtractCredential   = "extract_credential"
	// StageLedger marks a workflow that reached its goal but could not be recorded.
	StageLedger = "ledger"
)

// Result is produced exactly once per account-resource attempt.
type Result struct {
	RunID      string `json:"run_id"`
	Account    string `json:"account"`
	ResourceID string `json:"resource_id"`
	// Credential only ever leaves the process through the ledger.
	Credential  string    `json:"-"`
	State       State     `json:"state"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	Trace       []State   `json:"trace"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Succeeded reports whether the credential was extracted and recorded.
func (r Result) Succeeded() bool { return r.State == StateCredentialExtracted }

// Appender records successful workflows. *ledger.Ledger satisfies it.
type Appender interface {
	Append(e ledger.Entry) error
}

// Capturer saves a diagnostic for a failed workflow and returns where it went.
type Capturer interface {
	Capture(ctx context.Context, drv browser.Driver, tag string) string
}

// Workflow runs the stage sequence for one account at a time. It holds no per-run state and
// is shared by every scheduler worker.
type Workflow struct {
	timing     config.TimingConfig
	retry      config.RetryConfig
	flow       config.FlowConfig
	credential *regexp.Regexp
	profile    *Profile
	ledger     Appender
	diag       Capturer
	logger     *zap.Logger
}

// NewWorkflow builds a Workflow from configuration and a validated profile. diag may be nil.
func NewWorkflow(cfg config.Interface, profile *Profile, l Appender, diag Capturer, logger *zap.Logger) (*Workflow, error) {
	if profile == nil {
		return nil, errors.New("workflow requires a profile")
	}
	if l == nil {
		return nil, errors.New("workflow requires a ledger")
	}
	re, err := cfg.Credential().Compile()
	if err != nil {
		return nil, err
	}
	return &Workflow{
		timing:     cfg.Timing(),
		retry:      cfg.Retry(),
		flow:       cfg.Flow(),
		credential: re,
		profile:    profile,
		ledger:     l,
		diag:       diag,
		logger:     logger.Named("flow"),
	}, nil
}

// ResourceID derives the n-th (1-based) resource identifier of an account. It is stable
// across runs so a re-run finds the resources an earlier run created.
func (w *Workflow) ResourceID(acct accounts.Account, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	slug := acct.Slug()
	// Consoles commonly cap identifiers at 30 characters.
	if room := 30 - len(w.flow.ResourcePrefix) - 1 - len(suffix); len(slug) > room {
		slug = slug[:max(room, 1)]
	}
	return w.flow.ResourcePrefix + "-" + slug + suffix
}

// Run signs acct in once on drv and provisions every configured resource, returning one
// Result per resource. It never returns fewer results than flow.resources_per_account.
func (w *Workflow) Run(ctx context.Context, drv browser.Driver, acct accounts.Account) []Result {
	log := w.logger.With(zap.String("account", acct.Identity))
	ix := interact.New(drv, interact.OptionsFromConfig(w.timing, w.retry), log)
	runner := stage.NewRunner(w.retry.ProbeRechecks, w.timing.Poll, log)

	n := w.flow.ResourcesPerAccount
	results := make([]Result, 0, n)
	started := time.Now()

	auth := w.newAttempt(ix, runner, acct, "", log)
	if err := runner.Run(ctx, auth.authenticate()); err != nil {
		diag := w.capture(ctx, drv, StageAuthenticate, acct)
		for i := 1; i <= n; i++ {
			r := w.failed(acct, w.ResourceID(acct, i), []State{StateStart}, StageAuthenticate, err, started)
			r.Diagnostic = diag
			results = append(results, r)
		}
		log.Warn("Authentication failed; skipping all resources.", zap.Error(err))
		return results
	}
	log.Info("Authenticated.")

	for i := 1; i <= n; i++ {
		resource := w.ResourceID(acct, i)
		if ctx.Err() != nil {
			results = append(results, w.failed(acct, resource, []State{StateStart, StateAuthenticated}, "", ctx.Err(), time.Now()))
			continue
		}
		results = append(results, w.runResource(ctx, ix, runner, drv, acct, resource, log))
	}
	return results
}

func (w *Workflow) runResource(ctx context.Context, ix *interact.Interactor, runner *stage.Runner, drv browser.Driver, acct accounts.Account, resource string, log *zap.Logger) Result {
	log = log.With(zap.String("resource", resource))
	a := w.newAttempt(ix, runner, acct, resource, log)
	a.trace = []State{StateStart, StateAuthenticated}
	started := time.Now()

	steps := []struct {
		d    stage.Descriptor
		next State
	}{
		{a.createResource(), StatePrimaryResourceReady},
		{a.registerSubResource(), StateSubResourceRegistered},
		{a.initializeFeature(), StateFeatureInitialized},
		{a.extractCredential(), StateCredentialExtracted},
	}
	for _, s := range steps {
		if err := runner.Run(ctx, s.d); err != nil {
			r := w.failed(acct, resource, a.trace, s.d.Name, err, started)
			r.Diagnostic = w.capture(ctx, drv, s.d.Name, acct)
			log.Warn("Workflow failed.", zap.String("stage", s.d.Name), zap.Error(err))
			return r
		}
		a.transition(s.next)
	}

	r := Result{
		Account:    acct.Identity,
		ResourceID: resource,
		Credential: a.credential,
		State:      StateCredentialExtracted,
		Trace:      a.trace,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := w.ledger.Append(ledger.Entry{Credential: a.credential, Identity: acct.Identity, ResourceID: resource}); err != nil {
		log.Error("Failed to record credential in ledger.", zap.Error(err))
		r.State = StateFailed
		r.FailedStage = StageLedger
		r.Reason = err.Error()
		return r
	}
	log.Info("Workflow complete.", observability.Secret("credential", a.credential))
	return r
}

func (w *Workflow) failed(acct accounts.Account, resource string, trace []State, stageName string, err error, started time.Time) Result {
	return Result{
		Account:     acct.Identity,
		ResourceID:  resource,
		State:       StateFailed,
		FailedStage: stageName,
		Reason:      err.Error(),
		Trace:       append(append([]State(nil), trace...), StateFailed),
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
}

func (w *Workflow) capture(ctx context.Context, drv browser.Driver, stageName string, acct accounts.Account) string {
	if w.diag == nil {
		return ""
	}
	return w.diag.Capture(ctx, drv, stageName+"-"+acct.Slug())
}
