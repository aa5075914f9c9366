// Package chrome implements the browser driver contract on top of a local Chromium driven
// over the DevTools protocol with chromedp.
package chrome

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
)

const (
	defaultLaunchTimeout = 60 * time.Second
	shutdownGracePeriod  = 15 * time.Second
)

// Manager owns the Chromium process. Every session it hands out lives in its own browser
// context (separate cookies, storage and cache) inside that one process.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

var _ browser.SessionFactory = (*Manager)(nil)

// AllocatorOptions turns the browser configuration into chromedp process flags.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+8)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)

	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if goruntime.GOOS == "linux" {
		// Containers commonly run as root with a tiny /dev/shm.
		opts = append(opts, chromedp.NoSandbox, chromedp.Flag("disable-dev-shm-usage", true))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// NewManager launches Chromium and waits until it accepts commands.
// The process lives until Close, independent of ctx.
func NewManager(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	bc := cfg.Browser()
	m := &Manager{
		cfg:      bc,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(bc)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	m.allocCancel = allocCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel

	timeout := bc.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	m.logger.Info("Launching browser.", zap.Bool("headless", bc.Headless), zap.Duration("timeout", timeout))
	// The first Run allocates the process and binds it to the context it is given, so it
	// must run on browserCtx itself rather than on a derived timeout context.
	if err := startWithin(ctx, timeout, func() error { return chromedp.Run(browserCtx) }); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	m.logger.Info("Browser ready.")
	return m, nil
}

// NewSession opens an isolated browser context with a single tab.
func (m *Manager) NewSession(ctx context.Context) (browser.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, browser.ErrSessionClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())
	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	if err := startWithin(ctx, timeout, func() error { return chromedp.Run(tabCtx) }); err != nil {
		tabCancel()
		m.wg.Done()
		return nil, fmt.Errorf("failed to open browser context: %w", classifyError(err))
	}

	s := newSession(uuid.NewString(), tabCtx, tabCancel, m.logger)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.logger.Debug("New session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// Close closes every open session and then the browser process.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	var shutdownErr error
	if err := cancelWithin(m.browserCtx, shutdownGracePeriod); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Failed to close browser instance.", zap.Error(err))
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
	}
	m.browserCancel()
	m.allocCancel()
	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}

// startWithin runs start in the background and gives up after timeout or when ctx ends.
// start must run on its own long-lived context; abandoning it here does not cancel it, the
// caller's cleanup does.
func startWithin(ctx context.Context, timeout time.Duration, start func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- start() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelWithin calls chromedp.Cancel, which blocks until the target or process is gone,
// but waits at most d for it.
func cancelWithin(ctx context.Context, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(ctx) }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("browser did not exit within %s", d)
	}
}
