// Package stage runs one unit of a workflow: probe whether its goal already holds, act within
// a budget, settle, re-probe, and repeat for a bounded number of rounds.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/interact"
)

// Outcome is the tri-state answer of a readiness probe.
type Outcome int

const (
	NotReady Outcome = iota
	Ready
	// Indeterminate means the probe could not tell. It is re-checked a bounded number of
	// times and then treated as NotReady, never as success.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Indeterminate:
		return "indeterminate"
	default:
		return "not_ready"
	}
}

// Probe checks whether a stage's goal state is already satisfied. It must be idempotent.
type Probe func(ctx context.Context) (Outcome, error)

// Action performs one round of a stage. round counts from 1.
type Action func(ctx context.Context, round int) error

// Descriptor is a stateless stage template.
type Descriptor struct {
	Name string
	// Probe is optional. Without one, a round succeeds when its Action returns nil.
	Probe  Probe
	Action Action
	// Settle runs after every action, before the re-probe. Its errors are ignored unless the
	// stage context is done.
	Settle func(ctx context.Context) error
	Rounds int
	// Budget bounds each round's action. Zero leaves the action bounded only by ctx.
	Budget time.Duration
	// Escalate runs before every round after the first, typically re-running a dependency stage.
	Escalate func(ctx context.Context) error
}

// Errors callers match on after a stage fails.
var (
	// ErrAuthTimeout means neither the post-auth destination nor an interstitial appeared in time.
	ErrAuthTimeout = errors.New("authentication did not complete within the login budget")
	// ErrCredentialNotFound means every extraction round ended without a matching credential.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrGoalNotReached means an action returned cleanly but the probe still disagrees.
	ErrGoalNotReached = errors.New("stage goal not reached after action")
)

// StageFailed wraps the last error of a stage that exhausted its rounds.
type StageFailed struct {
	Stage  string
	Rounds int
	Cause  error
}

func (e *StageFailed) Error() string {
	return fmt.Sprintf("stage %s failed after %d round(s): %v", e.Stage, e.Rounds, e.Cause)
}

func (e *StageFailed) Unwrap() error { return e.Cause }

// Runner executes descriptors.
type Runner struct {
	// ProbeRechecks bounds re-checks of an indeterminate probe.
	ProbeRechecks int
	// RecheckDelay spaces those re-checks.
	RecheckDelay time.Duration
	logger       *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(probeRechecks int, recheckDelay time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		ProbeRechecks: probeRechecks,
		RecheckDelay:  recheckDelay,
		logger:        logger.Named("stage"),
	}
}

// Run executes d. A stage whose probe reports Ready is skipped. Failures come back as
// *StageFailed; cancellation of ctx is returned unwrapped.
func (r *Runner) Run(ctx context.Context, d Descriptor) error {
	log := r.logger.With(zap.String("stage", d.Name))
	start := time.Now()

	if d.Probe != nil {
		outcome, err := r.probe(ctx, d.Probe)
		if err != nil {
			return err
		}
		if outcome == Ready {
			log.Info("Stage already satisfied; skipping.", zap.String("outcome", "skipped"))
			return nil
		}
	}

	rounds := d.Rounds
	if rounds < 1 {
		rounds = 1
	}

	var lastErr error
	for round := 1; round <= rounds; round++ {
		if round > 1 && d.Escalate != nil {
			log.Info("Escalating before retry.", zap.Int("round", round), zap.NamedError("previous", lastErr))
			if err := d.Escalate(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("Escalation failed; retrying anyway.", zap.Int("round", round), zap.Error(err))
			}
		}

		err := r.runAction(ctx, d, round)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.Settle != nil {
			if serr := d.Settle(ctx); serr != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}

		// Failed rounds are re-probed too. A goal reached despite an action error ends the
		// stage without acting again.
		if d.Probe != nil {
			outcome, perr := r.probe(ctx, d.Probe)
			if perr != nil {
				return perr
			}
			switch {
			case err != nil && outcome == Ready:
				log.Info("Stage goal reached despite a failed action.",
					zap.Int("round", round),
					zap.String("outcome", "recovered"),
					zap.NamedError("action_error", err),
					zap.Duration("elapsed", time.Since(start)))
				return nil
			case err == nil && outcome != Ready:
				err = fmt.Errorf("%w (probe: %s)", ErrGoalNotReached, outcome)
			}
		}

		if err == nil {
			log.Info("Stage complete.",
				zap.Int("round", round),
				zap.String("outcome", "success"),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		}

		lastErr = err
		log.Warn("Stage round failed.",
			zap.Int("round", round),
			zap.Int("rounds", rounds),
			zap.String("outcome", "failed"),
			zap.String("kind", interact.Classify(err).String()),
			zap.Error(err))
	}

	return &StageFailed{Stage: d.Name, Rounds: rounds, Cause: lastErr}
}

func (r *Runner) runAction(ctx context.Context, d Descriptor, round int) error {
	if d.Action == nil {
		return nil
	}
	actx := ctx
	if d.Budget > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.Budget)
		defer cancel()
	}
	err := d.Action(actx, round)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("round budget %s exhausted: %w: %w", d.Budget, interact.ErrTimeout, err)
	}
	return err
}

// probe runs p, re-checking an indeterminate answer up to ProbeRechecks times.
func (r *Runner) probe(ctx context.Context, p Probe) (Outcome, error) {
	for check := 0; ; check++ {
		outcome, err := p(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return NotReady, ctx.Err()
			}
			// A probe that errors is no better than one that cannot tell.
			r.logger.Debug("Probe failed; treating as indeterminate.", zap.Error(err))
			outcome = Indeterminate
		}
		if outcome != Indeterminate {
			return outcome, nil
		}
		if check >= r.ProbeRechecks {
			return NotReady, nil
		}
		if err := interact.Sleep(ctx, r.RecheckDelay); err != nil {
			return NotReady, err
		}
	}
}
