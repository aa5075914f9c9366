// Package browsertest provides an in-memory browser.Session whose page is a flat set of nodes
// keyed by selector value. Tests script UI behaviour by attaching callbacks to clicks,
// navigations and reloads, and inject failures (stale handles, intercepted clicks, input that
// does not stick) per node.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xkilldash9x/stagehand/internal/browser"
)

// Node is one element on the fake page.
type Node struct {
	Visible  bool
	Disabled bool
	Text     string
	Value    string
	Checked  bool
	// Checkbox makes a click toggle Checked.
	Checkbox bool
	Attrs    map[string]string

	// StaleClicks and StaleTypes fail that many native operations with ErrStaleReference.
	StaleClicks int
	StaleTypes  int
	// BlockedClicks fails that many native clicks with ErrNotInteractable. Script clicks get through.
	BlockedClicks int
	// DropInput discards native typing so only a script assignment changes Value.
	DropInput bool

	// OnClick runs after a successful click, native or scripted.
	OnClick func(d *Driver)

	gen int
}

type handle struct {
	sel  string
	node *Node
	gen  int
}

func (h *handle) ID() string { return fmt.Sprintf("%s#%d", h.sel, h.gen) }

// ScriptFunc emulates a script the driver does not know natively.
type ScriptFunc func(d *Driver, args []interface{}) (interface{}, error)

// Driver is a scriptable in-memory browser.Session. It is safe for concurrent use.
type Driver struct {
	mu         sync.Mutex
	id         string
	nodes      map[string]*Node
	url        string
	readyState string
	closed     bool

	onNavigate map[string]func(d *Driver)
	onReload   func(d *Driver)
	scripts    map[string]ScriptFunc

	resolutions map[string]int
	clicks      map[string]int
	navigations []string
	reloads     int
	typed       map[string]string

	// Screenshot is returned by CaptureScreenshot; ScreenshotErr makes it fail.
	Screenshot    []byte
	ScreenshotErr error
	// NavigateErr makes every navigation fail.
	NavigateErr error
}

var _ browser.Session = (*Driver)(nil)

// New returns an empty page at about:blank.
func New() *Driver {
	return &Driver{
		id:          uuid.NewString(),
		nodes:       make(map[string]*Node),
		url:         "about:blank",
		readyState:  "complete",
		onNavigate:  make(map[string]func(d *Driver)),
		scripts:     make(map[string]ScriptFunc),
		resolutions: make(map[string]int),
		clicks:      make(map[string]int),
		typed:       make(map[string]string),
		Screenshot:  []byte("\x89PNG fake"),
	}
}

// -- Page scripting --

// Add places a node on the page under sel, replacing any node already there.
func (d *Driver) Add(sel string, n *Node) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.nodes[sel]; ok {
		n.gen = old.gen + 1
	}
	d.nodes[sel] = n
	return n
}

// Remove detaches the node under sel; outstanding handles become stale.
func (d *Driver) Remove(sel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[sel]; ok {
		n.gen++
		delete(d.nodes, sel)
	}
}

// Replace swaps the node under sel for a re-rendered copy, invalidating outstanding handles.
func (d *Driver) Replace(sel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[sel]; ok {
		n.gen++
	}
}

// Update mutates the node under sel under the driver lock. It is a no-op for a missing node.
func (d *Driver) Update(sel string, fn func(n *Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[sel]; ok {
		fn(n)
	}
}

// Show adds or reveals a visible, enabled node under sel.
func (d *Driver) Show(sel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[sel]; ok {
		n.Visible = true
		return
	}
	d.nodes[sel] = &Node{Visible: true}
}

// Hide keeps the node under sel in the document but makes it invisible.
func (d *Driver) Hide(sel string) {
	d.Update(sel, func(n *Node) { n.Visible = false })
}

// Has reports whether a node is present under sel.
func (d *Driver) Has(sel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[sel]
	return ok
}

// Value returns the current value of the node under sel.
func (d *Driver) Value(sel string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[sel]; ok {
		return n.Value
	}
	return ""
}

// Clear removes every node, as a full page load would.
func (d *Driver) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.nodes {
		n.gen++
	}
	d.nodes = make(map[string]*Node)
}

// OnNavigate registers fn to build the page whenever url is loaded.
func (d *Driver) OnNavigate(url string, fn func(d *Driver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNavigate[url] = fn
}

// OnReload registers fn to run on every reload, after the page for the current URL is rebuilt.
func (d *Driver) OnReload(fn func(d *Driver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReload = fn
}

// HandleScript emulates a custom script.
func (d *Driver) HandleScript(script string, fn ScriptFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[script] = fn
}

// SetReadyState sets what document.readyState reports.
func (d *Driver) SetReadyState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readyState = state
}

// -- Recorded interactions --

// Resolutions reports how many times sel was resolved.
func (d *Driver) Resolutions(sel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolutions[sel]
}

// Clicks reports how many clicks, native or scripted, reached the node under sel.
func (d *Driver) Clicks(sel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clicks[sel]
}

// Navigations returns every URL loaded, in order.
func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// NavigationCount reports how many times url was loaded.
func (d *Driver) NavigationCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, u := range d.navigations {
		if u == url {
			n++
		}
	}
	return n
}

// Reloads reports how many times the page was reloaded.
func (d *Driver) Reloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloads
}

// Typed returns everything natively typed into sel, including dropped input.
func (d *Driver) Typed(sel string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typed[sel]
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// -- browser.Session --

func (d *Driver) ID() string { return d.id }

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	if d.NavigateErr != nil {
		err := d.NavigateErr
		d.mu.Unlock()
		return err
	}
	d.navigations = append(d.navigations, url)
	d.url = url
	build := d.onNavigate[url]
	d.mu.Unlock()

	d.Clear()
	if build != nil {
		build(d)
	}
	return nil
}

func (d *Driver) Reload(ctx context.Context) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.reloads++
	build := d.onNavigate[d.url]
	after := d.onReload
	d.mu.Unlock()

	d.Clear()
	if build != nil {
		build(d)
	}
	if after != nil {
		after(d)
	}
	return nil
}

func (d *Driver) FindElements(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolutions[sel.Value]++
	n, ok := d.nodes[sel.Value]
	if !ok {
		return nil, nil
	}
	return []browser.Element{&handle{sel: sel.Value, node: n, gen: n.gen}}, nil
}

func (d *Driver) IsVisible(ctx context.Context, el browser.Element) (bool, error) {
	var visible bool
	err := d.withNode(ctx, el, func(n *Node) error {
		visible = n.Visible
		return nil
	})
	return visible, err
}

func (d *Driver) IsEnabled(ctx context.Context, el browser.Element) (bool, error) {
	var enabled bool
	err := d.withNode(ctx, el, func(n *Node) error {
		enabled = !n.Disabled && n.Attrs["aria-disabled"] != "true"
		return nil
	})
	return enabled, err
}

func (d *Driver) Click(ctx context.Context, el browser.Element) error {
	return d.click(ctx, el, false)
}

func (d *Driver) click(ctx context.Context, el browser.Element, scripted bool) error {
	var after func(d *Driver)
	err := d.withNode(ctx, el, func(n *Node) error {
		if !scripted {
			if n.StaleClicks > 0 {
				n.StaleClicks--
				return browser.ErrStaleReference
			}
			if !n.Visible || n.Disabled {
				return browser.ErrNotInteractable
			}
			if n.BlockedClicks > 0 {
				n.BlockedClicks--
				return browser.ErrNotInteractable
			}
		}
		if n.Checkbox {
			n.Checked = !n.Checked
		}
		d.clicks[el.(*handle).sel]++
		after = n.OnClick
		return nil
	})
	if err == nil && after != nil {
		after(d)
	}
	return err
}

func (d *Driver) Type(ctx context.Context, el browser.Element, text string) error {
	return d.withNode(ctx, el, func(n *Node) error {
		if n.StaleTypes > 0 {
			n.StaleTypes--
			return browser.ErrStaleReference
		}
		if !n.Visible || n.Disabled {
			return browser.ErrNotInteractable
		}
		sel := el.(*handle).sel
		d.typed[sel] += text
		if !n.DropInput {
			n.Value += text
		}
		return nil
	})
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *Driver) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScreenshotErr != nil {
		return nil, d.ScreenshotErr
	}
	return append([]byte(nil), d.Screenshot...), nil
}

// Evaluate emulates the shared helper scripts from the browser package against the node model.
// Other scripts must be registered with HandleScript.
func (d *Driver) Evaluate(ctx context.Context, fn string, out interface{}, args ...interface{}) error {
	if err := d.check(ctx); err != nil {
		return err
	}

	var (
		result interface{}
		err    error
	)
	switch fn {
	case browser.ScriptReadyState:
		d.mu.Lock()
		result = d.readyState
		d.mu.Unlock()
	case browser.ScriptClick:
		err = d.click(ctx, elementArg(args), true)
		result = err == nil
	case browser.ScriptScrollIntoView, browser.ScriptFocus, browser.ScriptBlur:
		err = d.withNode(ctx, elementArg(args), func(n *Node) error { return nil })
		result = true
	case browser.ScriptVisible:
		result, err = d.IsVisible(ctx, elementArg(args))
	case browser.ScriptEnabled:
		result, err = d.IsEnabled(ctx, elementArg(args))
	case browser.ScriptReadValue:
		err = d.withNode(ctx, elementArg(args), func(n *Node) error {
			result = n.Value
			return nil
		})
	case browser.ScriptSetValue:
		value, _ := stringArg(args, 1)
		err = d.withNode(ctx, elementArg(args), func(n *Node) error {
			n.Value = value
			result = n.Value
			return nil
		})
	case browser.ScriptText:
		err = d.withNode(ctx, elementArg(args), func(n *Node) error {
			parts := []string{n.Text}
			if n.Value != "" {
				parts = append(parts, n.Value)
			}
			result = strings.Join(parts, "\n")
			return nil
		})
	case browser.ScriptAttribute:
		name, _ := stringArg(args, 1)
		err = d.withNode(ctx, elementArg(args), func(n *Node) error {
			if v, ok := n.Attrs[name]; ok {
				result = v
			}
			return nil
		})
	case browser.ScriptChecked:
		err = d.withNode(ctx, elementArg(args), func(n *Node) error {
			result = n.Checked
			return nil
		})
	default:
		d.mu.Lock()
		custom := d.scripts[fn]
		d.mu.Unlock()
		if custom == nil {
			return fmt.Errorf("browsertest: unsupported script %q", firstLine(fn))
		}
		result, err = custom(d, args)
	}
	if err != nil {
		return err
	}
	return assign(out, result)
}

// -- internals --

func (d *Driver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return browser.ErrSessionClosed
	}
	return nil
}

// withNode runs fn on the node behind el under the driver lock, failing with
// ErrStaleReference when the handle no longer matches the live node.
func (d *Driver) withNode(ctx context.Context, el browser.Element, fn func(n *Node) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	h, ok := el.(*handle)
	if !ok || h == nil {
		return errors.New("browsertest: foreign or missing element handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if live, ok := d.nodes[h.sel]; !ok || live != h.node || live.gen != h.gen {
		return browser.ErrStaleReference
	}
	return fn(h.node)
}

func elementArg(args []interface{}) browser.Element {
	if len(args) == 0 {
		return nil
	}
	el, _ := args[0].(browser.Element)
	return el
}

func stringArg(args []interface{}, i int) (string, bool) {
	if len(args) <= i {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func assign(out, result interface{}) error {
	if out == nil {
		return nil
	}
	switch dst := out.(type) {
	case *string:
		if s, ok := result.(string); ok {
			*dst = s
		} else {
			*dst = ""
		}
	case *bool:
		b, _ := result.(bool)
		*dst = b
	case **string:
		if s, ok := result.(string); ok {
			*dst = &s
		} else {
			*dst = nil
		}
	case *interface{}:
		*dst = result
	default:
		return fmt.Errorf("browsertest: cannot decode %T into %T", result, out)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
