package interact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
	"go.uber.org/zap"
)

// Options tunes the primitives. Zero durations disable the corresponding pause.
type Options struct {
	Poll          time.Duration
	ClickCooldown time.Duration
	TypeDelay     time.Duration
	NavSettle     time.Duration
	StableBudget  time.Duration
	Click         Policy
	Type          Policy
}

// OptionsFromConfig derives primitive options from the timing and retry sections.
func OptionsFromConfig(t config.TimingConfig, r config.RetryConfig) Options {
	return Options{
		Poll:          t.Poll,
		ClickCooldown: t.ClickCooldown,
		TypeDelay:     t.TypeDelay,
		NavSettle:     t.NavSettle,
		StableBudget:  t.Step,
		Click:         Policy{Attempts: r.ClickAttempts, StaleBackoff: r.ClickBackoff},
		Type:          Policy{Attempts: r.TypeAttempts, StaleBackoff: r.TypeBackoff},
	}
}

// Interactor runs the locate-and-wait primitives against one driver.
type Interactor struct {
	drv    browser.Driver
	opts   Options
	logger *zap.Logger
}

// New creates an Interactor. A non-positive poll interval falls back to 250ms.
func New(drv browser.Driver, opts Options, logger *zap.Logger) *Interactor {
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	return &Interactor{
		drv:    drv,
		opts:   opts,
		logger: logger.Named("interactor"),
	}
}

// Driver exposes the underlying driver for operations with no primitive.
func (i *Interactor) Driver() browser.Driver { return i.drv }

// -- Waiting --

// WaitVisible polls loc until an element is visible and enabled. It fails with a *WaitError
// (matching ErrTimeout) no later than timeout plus one poll interval.
func (i *Interactor) WaitVisible(ctx context.Context, loc browser.Locator, timeout time.Duration) (browser.Element, error) {
	_, el, err := i.WaitOneOf(ctx, timeout, loc)
	return el, err
}

// WaitOneOf polls every locator and returns the index of the first one found ready.
// It is first-ready-wins: a later locator that is ready before an earlier one wins.
func (i *Interactor) WaitOneOf(ctx context.Context, timeout time.Duration, locs ...browser.Locator) (int, browser.Element, error) {
	if len(locs) == 0 {
		return -1, nil, errors.New("wait requires at least one locator")
	}

	deadline := time.Now().Add(timeout)
	// The hard bound also covers a driver call that blocks through the last poll.
	wctx, cancel := context.WithDeadline(ctx, deadline.Add(i.opts.Poll))
	defer cancel()

	resolved := false
	timedOut := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return &WaitError{Target: targetName(locs), Budget: timeout, Resolved: resolved}
	}

	for {
		for idx, loc := range locs {
			el, seen, err := i.ready(wctx, loc)
			resolved = resolved || seen
			if err != nil {
				if wctx.Err() != nil {
					return -1, nil, timedOut()
				}
				return -1, nil, err
			}
			if el != nil {
				return idx, el, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, nil, timedOut()
		}
		if err := Sleep(wctx, min(i.opts.Poll, remaining)); err != nil {
			return -1, nil, timedOut()
		}
	}
}

// WaitGone polls until no element of loc is visible.
func (i *Interactor) WaitGone(ctx context.Context, loc browser.Locator, timeout time.Duration) error {
	return i.Poll(ctx, timeout, loc.String()+" gone", func(ctx context.Context) (bool, error) {
		el, _, err := i.ready(ctx, loc)
		return el == nil, err
	})
}

// Poll evaluates cond every poll interval until it holds or timeout elapses.
func (i *Interactor) Poll(ctx context.Context, timeout time.Duration, what string, cond func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	wctx, cancel := context.WithDeadline(ctx, deadline.Add(i.opts.Poll))
	defer cancel()

	for {
		ok, err := cond(wctx)
		if err != nil && wctx.Err() == nil {
			return err
		}
		if ok && err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || Sleep(wctx, min(i.opts.Poll, remaining)) != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: not reached within %s: %w", what, timeout, ErrTimeout)
		}
	}
}

// Lookup resolves loc once and returns the first visible, enabled element.
func (i *Interactor) Lookup(ctx context.Context, loc browser.Locator) (browser.Element, bool, error) {
	el, _, err := i.ready(ctx, loc)
	return el, el != nil, err
}

// Present waits up to window for loc and reports absence as false rather than an error.
// An unconfigured locator is always absent.
func (i *Interactor) Present(ctx context.Context, loc browser.Locator, window time.Duration) (browser.Element, bool, error) {
	if loc.IsZero() {
		return nil, false, nil
	}
	el, err := i.WaitVisible(ctx, loc, window)
	if err != nil {
		if ctx.Err() == nil && Classify(err) == KindTimeout {
			return nil, false, nil
		}
		return nil, false, err
	}
	return el, true, nil
}

// ready resolves every selector of loc in order. seen reports whether anything matched at all.
func (i *Interactor) ready(ctx context.Context, loc browser.Locator) (el browser.Element, seen bool, err error) {
	for _, sel := range loc.Selectors {
		els, err := i.drv.FindElements(ctx, sel)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, browser.ErrSessionClosed) {
				return nil, seen, err
			}
			// One variant's selector failing must not end the wait for the others.
			i.logger.Debug("Selector resolution failed.", zap.Stringer("selector", sel), zap.Error(err))
			continue
		}
		for _, candidate := range els {
			seen = true
			visible, err := i.drv.IsVisible(ctx, candidate)
			if err != nil {
				if ctx.Err() != nil {
					return nil, seen, err
				}
				continue
			}
			if !visible {
				continue
			}
			enabled, err := i.drv.IsEnabled(ctx, candidate)
			if err != nil {
				if ctx.Err() != nil {
					return nil, seen, err
				}
				continue
			}
			if enabled {
				return candidate, true, nil
			}
		}
	}
	return nil, seen, nil
}

// first returns the first element matching loc regardless of its state.
func (i *Interactor) first(ctx context.Context, loc browser.Locator) (browser.Element, error) {
	for _, sel := range loc.Selectors {
		els, err := i.drv.FindElements(ctx, sel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if len(els) > 0 {
			return els[0], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
}

// -- Acting --

// SafeClick waits for loc, scrolls it into view, clicks it and pauses for the click cooldown.
// A click the page intercepts is retried once as a direct DOM click.
func (i *Interactor) SafeClick(ctx context.Context, loc browser.Locator, timeout time.Duration) error {
	op := func(ctx context.Context, attempt int) error {
		el, err := i.WaitVisible(ctx, loc, timeout)
		if err != nil {
			return err
		}
		if err := i.scrollIntoView(ctx, el); err != nil {
			return err
		}
		return i.drv.Click(ctx, el)
	}
	fallback := func(ctx context.Context, attempt int) error {
		el, err := i.first(ctx, loc)
		if err != nil {
			return err
		}
		i.logger.Debug("Native click intercepted; clicking via script.", zap.Stringer("target", loc))
		return i.drv.Evaluate(ctx, browser.ScriptClick, nil, el)
	}

	if err := i.opts.Click.Do(ctx, op, fallback); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return Sleep(ctx, i.opts.ClickCooldown)
}

// SafeType waits for loc, types value one character at a time and verifies the field by
// reading it back. If the input did not stick the value is assigned directly with synthetic
// input and change events. The field is blurred afterwards so validation runs.
func (i *Interactor) SafeType(ctx context.Context, loc browser.Locator, value string, timeout time.Duration) error {
	op := func(ctx context.Context, attempt int) error {
		el, err := i.WaitVisible(ctx, loc, timeout)
		if err != nil {
			return err
		}
		if err := i.scrollIntoView(ctx, el); err != nil {
			return err
		}
		if err := i.drv.Evaluate(ctx, browser.ScriptSetValue, nil, el, ""); err != nil {
			return err
		}
		for _, r := range value {
			if err := i.drv.Type(ctx, el, string(r)); err != nil {
				return err
			}
			if err := Sleep(ctx, i.opts.TypeDelay); err != nil {
				return err
			}
		}
		return i.verifyValue(ctx, loc, el, value)
	}
	fallback := func(ctx context.Context, attempt int) error {
		el, err := i.first(ctx, loc)
		if err != nil {
			return err
		}
		return i.verifyValue(ctx, loc, el, value)
	}

	if err := i.opts.Type.Do(ctx, op, fallback); err != nil {
		return fmt.Errorf("type into %s: %w", loc, err)
	}
	return nil
}

func (i *Interactor) verifyValue(ctx context.Context, loc browser.Locator, el browser.Element, want string) error {
	got, err := i.readValue(ctx, el)
	if err != nil {
		return err
	}
	if got != want {
		i.logger.Debug("Typed value did not stick; assigning directly.", zap.Stringer("target", loc))
		if err := i.drv.Evaluate(ctx, browser.ScriptSetValue, nil, el, want); err != nil {
			return err
		}
		if got, err = i.readValue(ctx, el); err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("field holds %d characters instead of %d after assignment: %w", len(got), len(want), ErrNotInteractable)
		}
	}
	if err := i.drv.Evaluate(ctx, browser.ScriptBlur, nil, el); err != nil && Classify(err) != KindStale {
		return err
	}
	return nil
}

func (i *Interactor) readValue(ctx context.Context, el browser.Element) (string, error) {
	var v string
	err := i.drv.Evaluate(ctx, browser.ScriptReadValue, &v, el)
	return v, err
}

// scrollIntoView is best-effort: only a stale handle or a dead context is reported.
func (i *Interactor) scrollIntoView(ctx context.Context, el browser.Element) error {
	err := i.drv.Evaluate(ctx, browser.ScriptScrollIntoView, nil, el)
	if err == nil || (Classify(err) != KindStale && ctx.Err() == nil) {
		return nil
	}
	return err
}

// -- Reading --

// ReadScript evaluates an opaque read against the live document and decodes the result into out.
func (i *Interactor) ReadScript(ctx context.Context, script string, out interface{}, args ...interface{}) error {
	if err := i.drv.Evaluate(ctx, script, out, args...); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// ReadText returns the visible text of el plus the values of inputs inside it.
func (i *Interactor) ReadText(ctx context.Context, el browser.Element) (string, error) {
	var text string
	err := i.ReadScript(ctx, browser.ScriptText, &text, el)
	return text, err
}

// Attribute returns the named attribute of el and whether it is present.
func (i *Interactor) Attribute(ctx context.Context, el browser.Element, name string) (string, bool, error) {
	var v *string
	if err := i.ReadScript(ctx, browser.ScriptAttribute, &v, el, name); err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// Checked reports the checked state of a checkbox-like element.
func (i *Interactor) Checked(ctx context.Context, el browser.Element) (bool, error) {
	var checked bool
	err := i.ReadScript(ctx, browser.ScriptChecked, &checked, el)
	return checked, err
}

// -- Navigation --

// Navigate loads url and waits for the page to settle.
func (i *Interactor) Navigate(ctx context.Context, url string) error {
	if err := i.drv.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return i.WaitPageStable(ctx, i.opts.NavSettle, i.opts.StableBudget)
}

// Reload refreshes the page and waits for it to settle.
func (i *Interactor) Reload(ctx context.Context) error {
	if err := i.drv.Reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return i.WaitPageStable(ctx, i.opts.NavSettle, i.opts.StableBudget)
}

// WaitPageStable sleeps settle and then polls document.readyState until the page reports
// interactive or complete. It is best-effort: only cancellation of ctx is returned.
func (i *Interactor) WaitPageStable(ctx context.Context, settle, budget time.Duration) error {
	if err := Sleep(ctx, settle); err != nil {
		return err
	}
	if budget <= 0 {
		return nil
	}
	err := i.Poll(ctx, budget, "document ready", func(ctx context.Context) (bool, error) {
		var state string
		if err := i.drv.Evaluate(ctx, browser.ScriptReadyState, &state); err != nil {
			return false, nil
		}
		return state == "complete" || state == "interactive", nil
	})
	if err != nil && ctx.Err() == nil {
		i.logger.Debug("Page did not report ready; continuing.", zap.Duration("budget", budget))
		return nil
	}
	return ctx.Err()
}

func targetName(locs []browser.Locator) string {
	names := make([]string, len(locs))
	for n, l := range locs {
		names[n] = l.String()
	}
	return strings.Join(names, ", ")
}
