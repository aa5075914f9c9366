package chrome

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
)

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	t.Run("defaults stay headless", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: true})
		assert.GreaterOrEqual(t, len(opts), base)
	})

	t.Run("each setting adds its flag", func(t *testing.T) {
		plain := AllocatorOptions(config.BrowserConfig{Headless: true})
		full := AllocatorOptions(config.BrowserConfig{
			Headless:        false,
			IgnoreTLSErrors: true,
			ExecPath:        "/opt/chromium/chrome",
			WindowWidth:     1280,
			WindowHeight:    900,
			Args:            []string{"--lang=en-US", "mute-audio"},
		})
		// headless=false, TLS, window, exec path and two args.
		assert.Equal(t, len(plain)+6, len(full))
	})

	t.Run("window size needs both dimensions", func(t *testing.T) {
		plain := AllocatorOptions(config.BrowserConfig{Headless: true})
		half := AllocatorOptions(config.BrowserConfig{Headless: true, WindowWidth: 1280})
		assert.Equal(t, len(plain), len(half))
	})

	t.Run("does not mutate the package defaults", func(t *testing.T) {
		first := AllocatorOptions(config.BrowserConfig{Args: []string{"a", "b", "c"}})
		second := AllocatorOptions(config.BrowserConfig{Args: []string{"a", "b", "c"}})
		assert.Len(t, chromedp.DefaultExecAllocatorOptions, base)
		assert.Equal(t, len(first), len(second))
	})
}

func TestCompileSelector(t *testing.T) {
	tests := []struct {
		name  string
		sel   browser.Selector
		query string
	}{
		{"css", browser.Selector{Kind: browser.CSS, Value: "#create"}, "#create"},
		{"unset kind is css", browser.Selector{Value: "button.primary"}, "button.primary"},
		{"xpath", browser.Selector{Kind: browser.XPath, Value: "//a[@href]"}, "//a[@href]"},
		{"text with tag", browser.Selector{Kind: browser.Text, Tag: "button", Value: "Create  project"}, `//button[contains(normalize-space(.), "Create project")]`},
		{"text without tag", browser.Selector{Kind: browser.Text, Value: "Done"}, `//*[contains(normalize-space(.), "Done")]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, by, err := compileSelector(tt.sel)
			require.NoError(t, err)
			assert.Equal(t, tt.query, query)
			assert.NotNil(t, by)
		})
	}

	_, _, err := compileSelector(browser.Selector{Kind: "aria", Value: "x"})
	assert.ErrorContains(t, err, "unsupported selector kind")
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"plain"`, xpathLiteral("plain"))
	assert.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "fine", '"')`, xpathLiteral(`it's "fine"`))
}

func TestBuildCall(t *testing.T) {
	t.Run("no elements yields an expression with literals", func(t *testing.T) {
		call, elems, err := buildCall(browser.ScriptReadyState, nil)
		require.NoError(t, err)
		assert.Empty(t, elems)
		assert.Equal(t, "("+browser.ScriptReadyState+")()", call)
	})

	t.Run("elements become parameters in order", func(t *testing.T) {
		call, elems, err := buildCall("function(el, name) { return el.getAttribute(name); }",
			[]interface{}{element{backendID: 7}, `aria-"label"`})
		require.NoError(t, err)
		require.Len(t, elems, 1)
		assert.Equal(t, "7", elems[0].ID())
		assert.Equal(t, `function(e0) { return (function(el, name) { return el.getAttribute(name); })(e0, "aria-\"label\""); }`, call)
	})

	t.Run("foreign handles are stale", func(t *testing.T) {
		_, _, err := buildCall("function(el) {}", []interface{}{foreign{}})
		assert.ErrorIs(t, err, browser.ErrStaleReference)
	})

	t.Run("unserializable arguments fail", func(t *testing.T) {
		_, _, err := buildCall("function(x) {}", []interface{}{make(chan int)})
		assert.Error(t, err)
	})
}

type foreign struct{}

func (foreign) ID() string { return "other" }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"stale node", &cdproto.Error{Code: -32000, Message: "No node with given id found"}, browser.ErrStaleReference},
		{"stale context", errors.New("Execution context was destroyed."), browser.ErrStaleReference},
		{"no layout", &cdproto.Error{Code: -32000, Message: "Node does not have a layout object"}, browser.ErrNotInteractable},
		{"no quads", fmt.Errorf("click: %w", &cdproto.Error{Code: -32000, Message: "Could not compute content quads."}), browser.ErrNotInteractable},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	other := errors.New("net::ERR_NAME_NOT_RESOLVED")
	assert.Same(t, other, classifyError(other), "unknown errors pass through untouched")
}

func TestScriptError(t *testing.T) {
	stale := &runtime.ExceptionDetails{Text: "Uncaught", Exception: &runtime.RemoteObject{Description: "Error: " + browser.StaleMarker}}
	assert.ErrorIs(t, scriptError(stale), browser.ErrStaleReference)

	other := &runtime.ExceptionDetails{Text: "Uncaught", Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"}}
	assert.EqualError(t, scriptError(other), "script exception: Uncaught TypeError: x is undefined")
}

func TestQuadCenter(t *testing.T) {
	x, y, ok := quadCenter([]dom.Quad{{10, 10, 30, 10, 30, 50, 10, 50}})
	require.True(t, ok)
	assert.InDelta(t, 20, x, 0.001)
	assert.InDelta(t, 30, y, 0.001)

	_, _, ok = quadCenter([]dom.Quad{{10, 10, 10, 10, 10, 10, 10, 10}})
	assert.False(t, ok, "zero-area boxes cannot be clicked")

	_, _, ok = quadCenter(nil)
	assert.False(t, ok)
}

func TestClosedSessionRefusesWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession("s-1", ctx, cancel, zap.NewNop())
	s.closed.Store(true)
	cancel()

	assert.ErrorIs(t, s.Navigate(context.Background(), "https://example.test"), browser.ErrSessionClosed)
	_, err := s.FindElements(context.Background(), browser.Selector{Kind: browser.CSS, Value: "a"})
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	_, err = s.CaptureScreenshot(context.Background())
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
}
