package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/interact"
	"github.com/xkilldash9x/stagehand/internal/stage"
)

// attempt is the per account-resource instantiation of the stage templates.
type attempt struct {
	w          *Workflow
	ix         *interact.Interactor
	runner     *stage.Runner
	acct       accounts.Account
	resource   string
	p          *Profile
	logger     *zap.Logger
	trace      []State
	credential string
}

func (w *Workflow) newAttempt(ix *interact.Interactor, runner *stage.Runner, acct accounts.Account, resource string, logger *zap.Logger) *attempt {
	return &attempt{
		w:        w,
		ix:       ix,
		runner:   runner,
		acct:     acct,
		resource: resource,
		p:        w.profile.expanded(placeholders(resource, w.flow.Parent, acct.Identity)),
		logger:   logger,
	}
}

func (a *attempt) transition(s State) {
	a.trace = append(a.trace, s)
	a.logger.Debug("State transition.", zap.String("state", string(s)))
}

// settle is the fixed post-action delay plus page stability.
func (a *attempt) settle(ctx context.Context) error {
	return a.ix.WaitPageStable(ctx, a.w.timing.NavSettle, a.w.timing.Step)
}

// optional runs an opportunistic sub-step. Its failure is logged and ignored unless ctx is done.
func (a *attempt) optional(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("Optional step failed; continuing.", zap.String("step", what), zap.Error(err))
	}
	return nil
}

// -- Authenticate --

func (a *attempt) authenticate() stage.Descriptor {
	t := a.w.timing
	return stage.Descriptor{
		Name: StageAuthenticate,
		Probe: func(ctx context.Context) (stage.Outcome, error) {
			if _, ok, err := a.ix.Lookup(ctx, a.p.Auth.PostAuth); err != nil {
				return stage.Indeterminate, err
			} else if ok {
				return stage.Ready, nil
			}
			return stage.NotReady, nil
		},
		Action: a.signIn,
		Rounds: 1,
		Budget: t.Budget(StageAuthenticate, 0),
	}
}

func (a *attempt) signIn(ctx context.Context, round int) error {
	t := a.w.timing
	auth := a.p.Auth

	if err := a.ix.Navigate(ctx, auth.SignInURL); err != nil {
		return err
	}
	if err := a.optional(ctx, "dismiss consent", a.dismissConsent); err != nil {
		return err
	}
	if err := a.ix.SafeType(ctx, auth.IdentityInput, a.acct.Identity, t.Step); err != nil {
		return err
	}
	if err := a.ix.SafeClick(ctx, auth.IdentityNext, t.Step); err != nil {
		return err
	}
	if err := a.ix.SafeType(ctx, auth.SecretInput, a.acct.Secret, t.Step); err != nil {
		return err
	}
	if err := a.ix.SafeClick(ctx, auth.SecretNext, t.Step); err != nil {
		return err
	}

	waitFor := []browser.Locator{auth.PostAuth}
	if !auth.Interstitial.IsZero() {
		waitFor = append(waitFor, auth.Interstitial)
	}
	idx, _, err := a.ix.WaitOneOf(ctx, t.Login, waitFor...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", stage.ErrAuthTimeout, err)
	}
	if idx == 0 {
		return nil
	}

	// The interstitial is resolved at most once; afterwards only the destination counts.
	a.logger.Info("Sign-in interstitial shown; confirming.")
	if err := a.resolveInterstitial(ctx); err != nil {
		return err
	}
	if _, err := a.ix.WaitVisible(ctx, auth.PostAuth, t.Login); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after interstitial: %w", stage.ErrAuthTimeout, err)
	}
	return nil
}

// dismissConsent clicks the consent banner when one is configured and shows up.
func (a *attempt) dismissConsent(ctx context.Context) error {
	t := a.w.timing
	consent := a.p.Auth.Consent
	if _, ok, err := a.ix.Present(ctx, consent, t.ProbeWindow); err != nil || !ok {
		return err
	}
	a.logger.Debug("Dismissing consent banner.")
	return a.ix.SafeClick(ctx, consent, t.Step)
}

func (a *attempt) resolveInterstitial(ctx context.Context) error {
	t := a.w.timing
	auth := a.p.Auth
	if auth.InterstitialConfirm.IsZero() {
		return a.ix.SafeClick(ctx, auth.Interstitial, t.Interstitial)
	}
	// The confirm control may render late; fall back to the interstitial element itself.
	return interact.TryThenFallback(ctx,
		func(ctx context.Context) error { return a.ix.SafeClick(ctx, auth.InterstitialConfirm, t.Interstitial) },
		func(ctx context.Context) error { return a.ix.SafeClick(ctx, auth.Interstitial, t.Short) },
	)
}

// -- Create primary resource --

// homeProbe loads a landing page and decides between the present and absent markers.
func (a *attempt) homeProbe(url string, present, absent browser.Locator) stage.Probe {
	return func(ctx context.Context) (stage.Outcome, error) {
		if err := a.ix.Navigate(ctx, url); err != nil {
			return stage.Indeterminate, err
		}
		locs := []browser.Locator{present}
		if !absent.IsZero() {
			locs = append(locs, absent)
		}
		idx, _, err := a.ix.WaitOneOf(ctx, a.w.timing.SectionWait, locs...)
		switch {
		case err == nil && idx == 0:
			return stage.Ready, nil
		case err == nil:
			return stage.NotReady, nil
		case ctx.Err() != nil:
			return stage.Indeterminate, ctx.Err()
		case absent.IsZero():
			// Without an absence marker a missing element is the only signal there is.
			return stage.NotReady, nil
		default:
			return stage.Indeterminate, nil
		}
	}
}

func (a *attempt) createResource() stage.Descriptor {
	r := a.p.Resource
	return stage.Descriptor{
		Name:   StageCreateResource,
		Probe:  a.homeProbe(r.HomeURL, r.Home, r.Missing),
		Action: a.create,
		Settle: a.settle,
		Rounds: 2,
		Budget: a.w.timing.Budget(StageCreateResource, 0),
	}
}

func (a *attempt) create(ctx context.Context, round int) error {
	t := a.w.timing
	r := a.p.Resource

	if err := a.ix.Navigate(ctx, r.ConsoleURL); err != nil {
		return err
	}
	if err := a.ix.SafeClick(ctx, r.CreateStart, t.Step); err != nil {
		return err
	}
	if err := a.ix.SafeType(ctx, r.NameInput, a.resource, t.Step); err != nil {
		return err
	}

	if parent := a.w.flow.Parent; parent != "" && !r.ParentPicker.IsZero() {
		if err := a.optional(ctx, "select parent", a.selectParent); err != nil {
			return err
		}
	}
	if err := a.optional(ctx, "accept terms", a.acceptTerms); err != nil {
		return err
	}

	created := false
	for step := 1; step <= a.w.flow.WizardSteps && !created; step++ {
		locs := []browser.Locator{r.Create}
		if !r.Continue.IsZero() {
			locs = append(locs, r.Continue)
		}
		// WaitOneOf only reports enabled controls, so this also waits out a disabled button.
		idx, _, err := a.ix.WaitOneOf(ctx, t.Step, locs...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			break
		}
		if idx == 0 {
			if err := a.ix.SafeClick(ctx, r.Create, t.Step); err != nil {
				return err
			}
			created = true
			break
		}
		a.logger.Debug("Advancing create wizard.", zap.Int("step", step))
		if err := a.ix.SafeClick(ctx, r.Continue, t.Step); err != nil {
			return err
		}
		if err := a.optional(ctx, "analytics step", a.analyticsStep); err != nil {
			return err
		}
		if err := a.optional(ctx, "accept terms", a.acceptTerms); err != nil {
			return err
		}
	}
	if !created {
		if err := a.ix.SafeClick(ctx, r.Create, t.Step); err != nil {
			return err
		}
	}

	if _, err := a.ix.WaitVisible(ctx, r.Created, t.FinalWait); err != nil {
		return fmt.Errorf("resource %s was not ready after creation: %w", a.resource, err)
	}
	return nil
}

func (a *attempt) selectParent(ctx context.Context) error {
	t := a.w.timing
	r := a.p.Resource
	if _, ok, err := a.ix.Present(ctx, r.ParentPicker, t.ProbeWindow); err != nil || !ok {
		return err
	}
	if err := a.ix.SafeClick(ctx, r.ParentPicker, t.Step); err != nil {
		return err
	}
	return a.ix.SafeClick(ctx, r.ParentOption, t.Step)
}

func (a *attempt) acceptTerms(ctx context.Context) error {
	t := a.w.timing
	terms := a.p.Resource.Terms
	el, ok, err := a.ix.Present(ctx, terms, t.Short)
	if err != nil || !ok {
		return err
	}
	checked, err := a.ix.Checked(ctx, el)
	if err != nil || checked {
		return err
	}
	a.logger.Debug("Accepting terms.")
	return a.ix.SafeClick(ctx, terms, t.Step)
}

func (a *attempt) analyticsStep(ctx context.Context) error {
	t := a.w.timing
	r := a.p.Resource
	if _, ok, err := a.ix.Present(ctx, r.AnalyticsStep, t.Short); err != nil || !ok {
		return err
	}
	a.logger.Debug("Analytics step detected.")
	if r.AnalyticsAccount.IsZero() {
		return nil
	}
	if _, ok, err := a.ix.Present(ctx, r.AnalyticsAccount, t.ProbeWindow); err != nil || !ok {
		return err
	}
	return a.ix.SafeClick(ctx, r.AnalyticsAccount, t.Step)
}

// -- Register sub-resource --

func (a *attempt) registerSubResource() stage.Descriptor {
	s := a.p.SubResource
	return stage.Descriptor{
		Name:   StageRegisterSubResource,
		Probe:  a.homeProbe(s.SettingsURL, s.Registered, s.Empty),
		Action: a.register,
		Settle: a.settle,
		Rounds: 2,
		Budget: a.w.timing.Budget(StageRegisterSubResource, 0),
	}
}

func (a *attempt) register(ctx context.Context, round int) error {
	t := a.w.timing
	s := a.p.SubResource

	if round > 1 {
		if err := a.ix.Navigate(ctx, s.SettingsURL); err != nil {
			return err
		}
	}
	if err := a.ix.SafeClick(ctx, s.Open, t.Step); err != nil {
		return err
	}
	if err := a.ix.SafeType(ctx, s.NicknameInput, a.resource, t.Step); err != nil {
		return err
	}
	// SafeClick waits for the submit control to become enabled.
	if err := a.ix.SafeClick(ctx, s.Submit, t.Step); err != nil {
		return err
	}

	for i := 0; i < a.w.flow.TrailingStepCap; i++ {
		_, ok, err := a.ix.Present(ctx, s.Trailing, t.ProbeWindow)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := a.ix.SafeClick(ctx, s.Trailing, t.Step); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Debug("Trailing control vanished before click.", zap.Error(err))
			break
		}
		if err := interact.Sleep(ctx, t.TrailingPause); err != nil {
			return err
		}
	}
	return nil
}

// -- Initialize feature --

func (a *attempt) initializeFeature() stage.Descriptor {
	return stage.Descriptor{
		Name:   StageInitializeFeature,
		Action: a.initialize,
		Rounds: 1,
		Budget: a.w.timing.Budget(StageInitializeFeature, 0),
	}
}

// initialize runs every pass. A pass that cannot confirm initialization only warns: the
// credential extraction that follows is the real check, and it escalates back here.
func (a *attempt) initialize(ctx context.Context, round int) error {
	t := a.w.timing
	f := a.p.Feature

	for pass := 1; pass <= a.w.flow.FeaturePasses; pass++ {
		log := a.logger.With(zap.Int("pass", pass), zap.Int("passes", a.w.flow.FeaturePasses))
		if err := a.ix.Navigate(ctx, f.HomeURL); err != nil {
			return err
		}

		if _, ok, err := a.ix.Present(ctx, f.GetStarted, t.ProbeWindow); err != nil {
			return err
		} else if ok {
			log.Info("Feature not initialized; starting it.")
			if err := a.ix.SafeClick(ctx, f.GetStarted, t.Step); err != nil {
				return err
			}
		}

		err := a.waitInitialized(ctx)
		if err != nil && ctx.Err() == nil {
			log.Info("Feature not confirmed; refreshing once.")
			if err := a.ix.Reload(ctx); err != nil {
				return err
			}
			err = a.waitInitialized(ctx)
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("Feature still not clearly initialized after pass.", zap.Error(err))
		default:
			log.Info("Feature initialized.")
		}

		if f.AltURL != "" {
			if err := a.bounce(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitInitialized waits for the get-started control to be gone and an initialized hint to show.
func (a *attempt) waitInitialized(ctx context.Context) error {
	f := a.p.Feature
	return a.ix.Poll(ctx, a.w.timing.FeatureWait, "feature initialized", func(ctx context.Context) (bool, error) {
		if !f.GetStarted.IsZero() {
			if _, pending, err := a.ix.Lookup(ctx, f.GetStarted); err != nil || pending {
				return false, err
			}
		}
		_, ok, err := a.ix.Lookup(ctx, f.Initialized)
		return ok, err
	})
}

func (a *attempt) bounce(ctx context.Context) error {
	t := a.w.timing
	f := a.p.Feature
	for _, url := range []string{f.AltURL, f.HomeURL} {
		if err := a.ix.Navigate(ctx, url); err != nil {
			return err
		}
		if err := interact.Sleep(ctx, t.BounceSettle); err != nil {
			return err
		}
	}
	return nil
}

// -- Extract credential --

func (a *attempt) extractCredential() stage.Descriptor {
	t := a.w.timing
	feature := a.initializeFeature()
	return stage.Descriptor{
		Name:   StageExtractCredential,
		Action: a.extract,
		Rounds: a.w.flow.CredentialRounds,
		Budget: t.Budget(StageExtractCredential, defaultExtractBudget),
		Escalate: func(ctx context.Context) error {
			err := a.runner.Run(ctx, feature)
			if err == nil {
				a.transition(StateFeatureInitialized)
			}
			if serr := interact.Sleep(ctx, t.RoundPause); serr != nil {
				return serr
			}
			return err
		},
	}
}

// defaultExtractBudget bounds one extraction round when timing.stage_budgets has no entry.
const defaultExtractBudget = 25 * time.Second

var (
	errCredentialAbsent = errors.New("console reports no credential")
	errRoundExhausted   = errors.New("round budget exhausted")
)

// extract polls the credential region until a value of the credential shape appears. It ends
// the round with ErrCredentialNotFound when the console reports the credential absent or the
// round budget runs out.
func (a *attempt) extract(ctx context.Context, round int) error {
	t := a.w.timing
	c := a.p.Credential

	notFound := func(cause error) error {
		return fmt.Errorf("%w in round %d: %w", stage.ErrCredentialNotFound, round, cause)
	}

	if err := a.ix.Navigate(ctx, c.URL); err != nil {
		if ctx.Err() != nil {
			return notFound(errRoundExhausted)
		}
		return err
	}

	for {
		if value, err := a.scanRegion(ctx); err == nil && value != "" {
			a.credential = value
			return nil
		}
		if ctx.Err() != nil {
			return notFound(errRoundExhausted)
		}

		if !c.Absent.IsZero() {
			if _, absent, err := a.ix.Lookup(ctx, c.Absent); err == nil && absent {
				return notFound(errCredentialAbsent)
			}
		}

		if interact.Sleep(ctx, t.RefreshPause) != nil {
			return notFound(errRoundExhausted)
		}
		if err := a.ix.Reload(ctx); err != nil {
			if ctx.Err() != nil {
				return notFound(errRoundExhausted)
			}
			return err
		}
	}
}

// scanRegion waits for the credential region and returns the first token of credential shape.
func (a *attempt) scanRegion(ctx context.Context) (string, error) {
	el, err := a.ix.WaitVisible(ctx, a.p.Credential.Region, a.w.timing.SectionWait)
	if err != nil {
		return "", err
	}
	text, err := a.ix.ReadText(ctx, el)
	if err != nil {
		return "", err
	}
	return findCredential(text, a.w.credential.MatchString), nil
}

// findCredential splits text on whitespace and common delimiters and returns the first token
// accepted by match.
func findCredential(text string, match func(string) bool) string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("\"'`,;()[]{}<>=", r)
	})
	for _, tok := range tokens {
		if match(tok) {
			return tok
		}
	}
	return ""
}
