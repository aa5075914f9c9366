package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/browser/browsertest"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/flow"
	"github.com/xkilldash9x/stagehand/internal/ledger"
)

const isolationProfileYAML = `
auth:
  sign_in_url: https://console.test/signin
  identity_input: "#identity"
  identity_next: "#identity-next"
  secret_input: "#secret"
  secret_next: "#secret-next"
  post_auth: "#avatar"
resource:
  console_url: https://console.test/
  home_url: https://console.test/r/{resource}
  home: "#resource-home"
  missing: "#resource-missing"
  create_start: "#create-start"
  name_input: "#name-input"
  create: "#create"
sub_resource:
  settings_url: https://console.test/r/{resource}/settings
  registered: "#app-registered"
  empty: "#app-empty"
  open: "#register-open"
  nickname_input: "#nickname"
  submit: "#register-submit"
feature:
  home_url: https://console.test/r/{resource}/feature
  initialized: "#feature-ready"
credential:
  url: https://console.test/r/{resource}/credentials
  region: "#credential-region"
`

// sharedConsole is the server side of a scripted console. Every session it hands out serves
// every account, because the scheduler decides which account a session gets.
type sharedConsole struct {
	resources []string
	// stuck names a resource whose sub-resource registration never takes.
	stuck string

	mu         sync.Mutex
	created    map[string]bool
	registered map[string]bool
}

func newSharedConsole(resources []string, stuck string) *sharedConsole {
	return &sharedConsole{
		resources:  resources,
		stuck:      stuck,
		created:    make(map[string]bool),
		registered: make(map[string]bool),
	}
}

func (c *sharedConsole) has(m map[string]bool, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m[key]
}

func (c *sharedConsole) set(m map[string]bool, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[key] = true
}

func credentialFor(resource string) string { return "key-" + resource + "-issued" }

func (c *sharedConsole) NewSession(ctx context.Context) (browser.Session, error) {
	d := browsertest.New()
	d.OnNavigate("https://console.test/signin", func(d *browsertest.Driver) {
		d.Show("#identity")
		d.Add("#identity-next", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Show("#secret")
			d.Add("#secret-next", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
				d.Show("#avatar")
			}})
		}})
	})
	d.OnNavigate("https://console.test/", func(d *browsertest.Driver) {
		d.Add("#create-start", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Show("#name-input")
			d.Add("#create", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
				c.set(c.created, d.Value("#name-input"))
				d.Show("#resource-home")
			}})
		}})
	})
	for _, resource := range c.resources {
		base := "https://console.test/r/" + resource
		d.OnNavigate(base, func(d *browsertest.Driver) {
			if c.has(c.created, resource) {
				d.Show("#resource-home")
			} else {
				d.Show("#resource-missing")
			}
		})
		d.OnNavigate(base+"/settings", func(d *browsertest.Driver) {
			if c.has(c.registered, resource) {
				d.Show("#app-registered")
				return
			}
			d.Show("#app-empty")
			d.Add("#register-open", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
				d.Show("#nickname")
				d.Add("#register-submit", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
					if resource != c.stuck && d.Value("#nickname") == resource {
						c.set(c.registered, resource)
					}
				}})
			}})
		})
		d.OnNavigate(base+"/feature", func(d *browsertest.Driver) { d.Show("#feature-ready") })
		d.OnNavigate(base+"/credentials", func(d *browsertest.Driver) {
			d.Add("#credential-region", &browsertest.Node{Visible: true, Text: "API key: " + credentialFor(resource)})
		})
	}
	return d, nil
}

func isolationConfig(concurrency int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SchedulerCfg.Concurrency = concurrency
	cfg.SchedulerCfg.ShutdownTimeout = time.Second
	cfg.TimingCfg = config.TimingConfig{
		Step:         200 * time.Millisecond,
		Login:        500 * time.Millisecond,
		Short:        10 * time.Millisecond,
		Poll:         5 * time.Millisecond,
		ProbeWindow:  20 * time.Millisecond,
		Interstitial: 100 * time.Millisecond,
		FinalWait:    200 * time.Millisecond,
		FeatureWait:  100 * time.Millisecond,
		SectionWait:  50 * time.Millisecond,
		RefreshPause: 5 * time.Millisecond,
		StageBudgets: map[string]time.Duration{flow.StageExtractCredential: 500 * time.Millisecond},
	}
	cfg.RetryCfg.ClickBackoff = time.Millisecond
	cfg.RetryCfg.TypeBackoff = time.Millisecond
	cfg.FlowCfg.ResourcesPerAccount = 1
	cfg.FlowCfg.ResourcePrefix = "sh"
	return cfg
}

func TestScheduler_OneFailingAccountDoesNotAffectTheOthers(t *testing.T) {
	// -- Setup --
	const total = 4
	cfg := isolationConfig(2)
	profile, err := flow.ParseProfile([]byte(isolationProfileYAML))
	require.NoError(t, err)

	re, err := cfg.Credential().Compile()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ledger.txt")
	l, err := ledger.Open(path, re)
	require.NoError(t, err)
	defer l.Close()

	w, err := flow.NewWorkflow(cfg, profile, l, nil, zap.NewNop())
	require.NoError(t, err)

	list := makeAccounts(total)
	resources := make([]string, total)
	for i, acct := range list {
		resources[i] = w.ResourceID(acct, 1)
	}
	failing := list[2]
	console := newSharedConsole(resources, w.ResourceID(failing, 1))

	s, err := New(cfg, console, w, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// -- Execution --
	summary, err := s.Run(ctx, list)

	// -- Assertions --
	require.NoError(t, err)
	assert.Equal(t, total, summary.Total)
	assert.Equal(t, total-1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	for _, r := range summary.Results {
		if r.Account == failing.Identity {
			assert.Equal(t, flow.StateFailed, r.State)
			assert.Equal(t, flow.StageRegisterSubResource, r.FailedStage)
			continue
		}
		assert.Equal(t, flow.StateCredentialExtracted, r.State, "%s: %s", r.Account, r.Reason)
		assert.Equal(t, credentialFor(r.ResourceID), r.Credential)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, total-1, "exactly one ledger line per successful account")

	want := make([]string, 0, total-1)
	for _, acct := range list {
		if acct.Identity == failing.Identity {
			continue
		}
		resource := w.ResourceID(acct, 1)
		want = append(want, fmt.Sprintf("%s %s %s", credentialFor(resource), acct.Identity, resource))
	}
	assert.ElementsMatch(t, want, lines)
	for _, line := range lines {
		assert.NoError(t, ledger.ValidateLine(line, re))
	}
}
