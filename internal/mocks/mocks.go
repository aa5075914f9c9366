// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/flow"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Scheduler() config.SchedulerConfig {
	args := m.Called()
	return args.Get(0).(config.SchedulerConfig)
}

func (m *MockConfig) Timing() config.TimingConfig {
	args := m.Called()
	return args.Get(0).(config.TimingConfig)
}

func (m *MockConfig) Retry() config.RetryConfig {
	args := m.Called()
	return args.Get(0).(config.RetryConfig)
}

func (m *MockConfig) Flow() config.FlowConfig {
	args := m.Called()
	return args.Get(0).(config.FlowConfig)
}

func (m *MockConfig) Credential() config.CredentialConfig {
	args := m.Called()
	return args.Get(0).(config.CredentialConfig)
}

func (m *MockConfig) Output() config.OutputConfig {
	args := m.Called()
	return args.Get(0).(config.OutputConfig)
}

// -- Browser Mocks --

// MockSessionFactory mocks browser.SessionFactory.
type MockSessionFactory struct {
	mock.Mock
}

func (m *MockSessionFactory) NewSession(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).(browser.Session); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Workflow Mocks --

// MockWorkflowRunner mocks the scheduler's view of a workflow.
type MockWorkflowRunner struct {
	mock.Mock
}

func (m *MockWorkflowRunner) Run(ctx context.Context, drv browser.Driver, acct accounts.Account) []flow.Result {
	args := m.Called(ctx, drv, acct)
	if results, ok := args.Get(0).([]flow.Result); ok {
		return results
	}
	return nil
}

// MockResultSink mocks the scheduler's result sink.
type MockResultSink struct {
	mock.Mock
}

func (m *MockResultSink) StartRun(ctx context.Context, runID string, accounts int) error {
	return m.Called(ctx, runID, accounts).Error(0)
}

func (m *MockResultSink) RecordResult(ctx context.Context, r flow.Result) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockResultSink) FinishRun(ctx context.Context, runID string, succeeded, failed int) error {
	return m.Called(ctx, runID, succeeded, failed).Error(0)
}
