package chrome

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sessionCloseTimeout = 10 * time.Second

// Session is one tab in its own browser context.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

var _ browser.Session = (*Session)(nil)

func newSession(id string, ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", id)),
	}
}

// element is a handle keyed by the backend node id, which survives DOM.getDocument
// refreshes but not node removal.
type element struct {
	backendID cdp.BackendNodeID
}

func (e element) ID() string { return strconv.FormatInt(int64(e.backendID), 10) }

func (s *Session) ID() string { return s.id }

// Close disposes the browser context. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		wait := sessionCloseTimeout
		if dl, ok := ctx.Deadline(); ok {
			wait = time.Until(dl)
		}
		if err := cancelWithin(s.ctx, wait); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("failed to close browser context: %w", err)
		}
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

// run executes actions on the tab under the caller's cancellation.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	opCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	// The combined context reports Canceled for either side; surface the caller's reason.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.closed.Load() || s.ctx.Err() != nil {
		return browser.ErrSessionClosed
	}
	return classifyError(err)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) Reload(ctx context.Context) error {
	return s.run(ctx, chromedp.Reload())
}

func (s *Session) FindElements(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	query, by, err := compileSelector(sel)
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(query, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeType != cdp.NodeTypeElement {
			continue
		}
		out = append(out, element{backendID: n.BackendNodeID})
	}
	return out, nil
}

func (s *Session) IsVisible(ctx context.Context, el browser.Element) (bool, error) {
	var visible bool
	err := s.Evaluate(ctx, browser.ScriptVisible, &visible, el)
	return visible, err
}

func (s *Session) IsEnabled(ctx context.Context, el browser.Element) (bool, error) {
	var enabled bool
	err := s.Evaluate(ctx, browser.ScriptEnabled, &enabled, el)
	return enabled, err
}

// Click dispatches a native left click at the centre of the element's first content quad.
func (s *Session) Click(ctx context.Context, el browser.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(e.backendID).Do(c); err != nil {
			return err
		}
		quads, err := dom.GetContentQuads().WithBackendNodeID(e.backendID).Do(c)
		if err != nil {
			return err
		}
		x, y, ok := quadCenter(quads)
		if !ok {
			return browser.ErrNotInteractable
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1).Do(c); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1).Do(c)
	}))
}

// Type focuses the element and sends text as key events.
func (s *Session) Type(ctx context.Context, el browser.Element, text string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	return s.run(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			return dom.Focus().WithBackendNodeID(e.backendID).Do(c)
		}),
		chromedp.KeyEvent(text),
	)
}

// Evaluate calls fn in the page. Element arguments become live nodes; every other argument
// is inlined as a JSON literal.
func (s *Session) Evaluate(ctx context.Context, fn string, out interface{}, args ...interface{}) error {
	call, elems, err := buildCall(fn, args)
	if err != nil {
		return err
	}
	var raw []byte
	err = s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var (
			res *runtime.RemoteObject
			exc *runtime.ExceptionDetails
			err error
		)
		if len(elems) == 0 {
			res, exc, err = runtime.Evaluate(call).
				WithReturnByValue(true).
				WithAwaitPromise(true).
				Do(c)
		} else {
			objects := make([]*runtime.RemoteObject, 0, len(elems))
			defer func() {
				for _, o := range objects {
					_ = runtime.ReleaseObject(o.ObjectID).Do(c)
				}
			}()
			callArgs := make([]*runtime.CallArgument, 0, len(elems))
			for _, e := range elems {
				obj, err := dom.ResolveNode().WithBackendNodeID(e.backendID).Do(c)
				if err != nil {
					return fmt.Errorf("%w: %v", browser.ErrStaleReference, err)
				}
				objects = append(objects, obj)
				callArgs = append(callArgs, &runtime.CallArgument{ObjectID: obj.ObjectID})
			}
			res, exc, err = runtime.CallFunctionOn(call).
				WithObjectID(objects[0].ObjectID).
				WithArguments(callArgs).
				WithReturnByValue(true).
				WithAwaitPromise(true).
				Do(c)
		}
		if err != nil {
			return err
		}
		if exc != nil {
			return scriptError(exc)
		}
		if res != nil {
			raw = []byte(res.Value)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, chromedp.Location(&url))
	return url, err
}

func (s *Session) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// -- helpers --

func asElement(el browser.Element) (element, error) {
	e, ok := el.(element)
	if !ok {
		return element{}, fmt.Errorf("%w: handle %T does not belong to this driver", browser.ErrStaleReference, el)
	}
	return e, nil
}

// compileSelector maps a selector onto a chromedp query. Text selectors become XPath.
func compileSelector(sel browser.Selector) (string, chromedp.QueryOption, error) {
	switch sel.Kind {
	case browser.CSS, "":
		return sel.Value, chromedp.ByQueryAll, nil
	case browser.XPath:
		return sel.Value, chromedp.BySearch, nil
	case browser.Text:
		return textXPath(sel.Tag, sel.Value), chromedp.BySearch, nil
	default:
		return "", nil, fmt.Errorf("unsupported selector kind %q", sel.Kind)
	}
}

func textXPath(tag, text string) string {
	if tag == "" {
		tag = "*"
	}
	return fmt.Sprintf("//%s[contains(normalize-space(.), %s)]", tag, xpathLiteral(strings.Join(strings.Fields(text), " ")))
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// buildCall wraps fn so element arguments arrive as parameters and everything else is a
// JSON literal. Without element arguments the result is an expression, not a declaration.
func buildCall(fn string, args []interface{}) (string, []element, error) {
	var (
		elems  []element
		params []string
		values []string
	)
	for i, a := range args {
		if el, ok := a.(browser.Element); ok {
			e, err := asElement(el)
			if err != nil {
				return "", nil, err
			}
			name := fmt.Sprintf("e%d", len(elems))
			elems = append(elems, e)
			params = append(params, name)
			values = append(values, name)
			continue
		}
		lit, err := json.Marshal(a)
		if err != nil {
			return "", nil, fmt.Errorf("script argument %d is not serializable: %w", i, err)
		}
		values = append(values, string(lit))
	}
	invoke := fmt.Sprintf("(%s)(%s)", fn, strings.Join(values, ", "))
	if len(elems) == 0 {
		return invoke, nil, nil
	}
	return fmt.Sprintf("function(%s) { return %s; }", strings.Join(params, ", "), invoke), elems, nil
}

func scriptError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg += " " + exc.Exception.Description
	}
	if strings.Contains(msg, browser.StaleMarker) {
		return browser.ErrStaleReference
	}
	return fmt.Errorf("script exception: %s", msg)
}

func quadCenter(quads []dom.Quad) (float64, float64, bool) {
	for _, q := range quads {
		if len(q) < 8 {
			continue
		}
		var x, y, area float64
		for i := 0; i < 8; i += 2 {
			j := (i + 2) % 8
			x += q[i]
			y += q[i+1]
			area += q[i]*q[j+1] - q[j]*q[i+1]
		}
		if area > -1 && area < 1 {
			continue
		}
		return x / 4, y / 4, true
	}
	return 0, 0, false
}

// Protocol error fragments that mean the node has left the document, or cannot take input.
var (
	staleFragments = []string{
		"no node with given id",
		"could not find node with given id",
		"node with given id does not belong to the document",
		"node is detached from document",
		"cannot find context with specified id",
		"execution context was destroyed",
	}
	notInteractableFragments = []string{
		"could not compute content quads",
		"node does not have a layout object",
		"element is not visible",
		"node is either not visible or not an htmlelement",
	}
)

// classifyError folds CDP failures into the driver error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, browser.ErrStaleReference) || errors.Is(err, browser.ErrNotInteractable) {
		return err
	}

	msg := err.Error()
	var cdpErr *cdproto.Error
	if errors.As(err, &cdpErr) {
		msg = cdpErr.Message
	}
	lower := strings.ToLower(msg)
	for _, f := range staleFragments {
		if strings.Contains(lower, f) {
			return fmt.Errorf("%w: %v", browser.ErrStaleReference, err)
		}
	}
	for _, f := range notInteractableFragments {
		if strings.Contains(lower, f) {
			return fmt.Errorf("%w: %v", browser.ErrNotInteractable, err)
		}
	}
	return err
}
