package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/browser/browsertest"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/flow"
	"github.com/xkilldash9x/stagehand/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- helpers --

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*browsertest.Driver
}

func (f *fakeFactory) NewSession(ctx context.Context) (browser.Session, error) {
	d := browsertest.New()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, d)
	return d, nil
}

func (f *fakeFactory) all() []*browsertest.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*browsertest.Driver(nil), f.sessions...)
}

type runnerFunc func(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result

func (f runnerFunc) Run(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
	return f(ctx, drv, acct)
}

func succeed(acct accounts.Account) []flow.Result {
	return []flow.Result{{Account: acct.Identity, ResourceID: "sh-" + acct.Slug() + "-1", State: flow.StateCredentialExtracted}}
}

func makeAccounts(n int) []accounts.Account {
	list := make([]accounts.Account, n)
	for i := range list {
		list[i] = accounts.Account{Identity: fmt.Sprintf("user%d@example.test", i), Secret: "pw"}
	}
	return list
}

func schedulerConfig(concurrency int) *mocks.MockConfig {
	cfg := new(mocks.MockConfig)
	cfg.On("Scheduler").Return(config.SchedulerConfig{Concurrency: concurrency, ShutdownTimeout: time.Second})
	return cfg
}

// -- tests --

func TestScheduler_DrainsEveryAccountExactlyOnce(t *testing.T) {
	// -- Setup --
	const concurrency, total = 3, 10
	factory := &fakeFactory{}
	var inFlight, peak atomic.Int32
	var seen sync.Map

	runner := runnerFunc(func(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
		now := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		count, _ := seen.LoadOrStore(acct.Identity, new(atomic.Int32))
		count.(*atomic.Int32).Add(1)
		time.Sleep(5 * time.Millisecond)
		return succeed(acct)
	})

	s, err := New(schedulerConfig(concurrency), factory, runner, zap.NewNop())
	require.NoError(t, err)

	// -- Execution --
	summary, err := s.Run(context.Background(), makeAccounts(total))

	// -- Assertions --
	require.NoError(t, err)
	assert.Equal(t, total, summary.Total)
	assert.Equal(t, total, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)
	assert.LessOrEqual(t, peak.Load(), int32(concurrency), "never more than C workflows in flight")

	for _, acct := range makeAccounts(total) {
		count, ok := seen.Load(acct.Identity)
		require.True(t, ok, "account %s never ran", acct.Identity)
		assert.EqualValues(t, 1, count.(*atomic.Int32).Load(), "account %s ran more than once", acct.Identity)
	}
	for i, r := range summary.Results {
		assert.Equal(t, summary.RunID, r.RunID)
		assert.Equal(t, fmt.Sprintf("user%d@example.test", i), r.Account, "results keep input order")
	}

	sessions := factory.all()
	require.Len(t, sessions, total, "every workflow gets its own session")
	ids := make(map[string]bool)
	for _, d := range sessions {
		assert.True(t, d.Closed(), "sessions are always released")
		ids[d.ID()] = true
	}
	assert.Len(t, ids, total)
}

func TestScheduler_FewerAccountsThanWorkers(t *testing.T) {
	factory := &fakeFactory{}
	runner := runnerFunc(func(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
		return succeed(acct)
	})
	s, err := New(schedulerConfig(8), factory, runner, zap.NewNop())
	require.NoError(t, err)

	summary, err := s.Run(context.Background(), makeAccounts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)

	empty, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestScheduler_FailuresAndPanicsAreIsolated(t *testing.T) {
	// -- Setup --
	factory := &fakeFactory{}
	runner := runnerFunc(func(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
		switch acct.Identity {
		case "user1@example.test":
			return []flow.Result{{Account: acct.Identity, State: flow.StateFailed, FailedStage: flow.StageAuthenticate, Reason: "boom"}}
		case "user2@example.test":
			panic("driver exploded")
		}
		return succeed(acct)
	})
	s, err := New(schedulerConfig(2), factory, runner, zap.NewNop())
	require.NoError(t, err)

	// -- Execution --
	summary, err := s.Run(context.Background(), makeAccounts(5))

	// -- Assertions --
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)

	panicked := summary.Results[2]
	assert.Equal(t, StageScheduler, panicked.FailedStage)
	assert.Contains(t, panicked.Reason, "driver exploded")
	for _, d := range factory.all() {
		assert.True(t, d.Closed(), "a panicking workflow still releases its session")
	}
}

func TestScheduler_SessionFailure(t *testing.T) {
	// -- Setup --
	factory := new(mocks.MockSessionFactory)
	factory.On("NewSession", mock.Anything).Return(nil, errors.New("browser gone"))
	runner := new(mocks.MockWorkflowRunner)

	s, err := New(schedulerConfig(2), factory, runner, zap.NewNop())
	require.NoError(t, err)

	// -- Execution --
	summary, err := s.Run(context.Background(), makeAccounts(3))

	// -- Assertions --
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	for _, r := range summary.Results {
		assert.Equal(t, StageSession, r.FailedStage)
		assert.Equal(t, "browser gone", r.Reason)
	}
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
	factory.AssertNumberOfCalls(t, "NewSession", 3)
}

func TestScheduler_ForwardsResultsToSink(t *testing.T) {
	// -- Setup --
	list := makeAccounts(2)
	runner := new(mocks.MockWorkflowRunner)
	runner.On("Run", mock.Anything, mock.Anything, list[0]).Return(succeed(list[0]))
	runner.On("Run", mock.Anything, mock.Anything, list[1]).Return([]flow.Result{{Account: list[1].Identity, State: flow.StateFailed, Reason: "nope"}})

	sink := new(mocks.MockResultSink)
	sink.On("StartRun", mock.Anything, mock.AnythingOfType("string"), 2).Return(nil).Once()
	sink.On("RecordResult", mock.Anything, mock.MatchedBy(func(r flow.Result) bool { return r.RunID != "" })).Return(nil).Twice()
	sink.On("FinishRun", mock.Anything, mock.AnythingOfType("string"), 1, 1).Return(errors.New("db down")).Once()

	s, err := New(schedulerConfig(2), &fakeFactory{}, runner, zap.NewNop(), WithResultSink(sink))
	require.NoError(t, err)

	// -- Execution --
	summary, err := s.Run(context.Background(), list)

	// -- Assertions --
	require.NoError(t, err, "sink errors never fail the run")
	assert.Equal(t, 1, summary.Succeeded)
	sink.AssertExpectations(t)
	runner.AssertExpectations(t)
}

func TestScheduler_CancelledRun(t *testing.T) {
	factory := &fakeFactory{}
	runner := new(mocks.MockWorkflowRunner)
	s, err := New(schedulerConfig(2), factory, runner, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := s.Run(ctx, makeAccounts(4))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, summary.Failed, "unstarted accounts are still reported")
	assert.Empty(t, factory.all())
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_LaunchThrottle(t *testing.T) {
	cfg := new(mocks.MockConfig)
	cfg.On("Scheduler").Return(config.SchedulerConfig{Concurrency: 4, LaunchRate: 50, ShutdownTimeout: time.Second})
	runner := runnerFunc(func(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
		return succeed(acct)
	})
	s, err := New(cfg, &fakeFactory{}, runner, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	summary, err := s.Run(context.Background(), makeAccounts(5))

	require.NoError(t, err)
	assert.Equal(t, 5, summary.Succeeded)
	// One token up front, then four more at 50/s.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	runner := new(mocks.MockWorkflowRunner)
	factory := &fakeFactory{}

	_, err := New(schedulerConfig(0), factory, runner, zap.NewNop())
	assert.ErrorContains(t, err, "concurrency must be positive")

	_, err = New(schedulerConfig(1), nil, runner, zap.NewNop())
	assert.Error(t, err)

	_, err = New(schedulerConfig(1), factory, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = New(nil, factory, runner, zap.NewNop())
	assert.Error(t, err)
}
