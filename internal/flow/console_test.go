package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/browser/browsertest"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/ledger"
)

const testProfileYAML = `
auth:
  sign_in_url: https://console.test/signin
  consent: "#consent"
  identity_input: "#identity"
  identity_next: "#identity-next"
  secret_input: "#secret"
  secret_next: "#secret-next"
  post_auth: "#avatar"
  interstitial: "#speedbump"
  interstitial_confirm: "#speedbump-confirm"
resource:
  console_url: https://console.test/
  home_url: https://console.test/r/{resource}
  home: "#resource-home"
  missing: "#resource-missing"
  create_start: "#create-start"
  name_input: "#name-input"
  parent_picker: "#parent-picker"
  parent_option: "#parent-{parent}"
  terms: "#terms"
  continue: "#continue"
  create: "#create"
sub_resource:
  settings_url: https://console.test/r/{resource}/settings
  registered: "#app-registered"
  empty: "#app-empty"
  open: "#register-open"
  nickname_input: "#nickname"
  submit: "#register-submit"
  trailing: "#wizard-next"
feature:
  home_url: https://console.test/r/{resource}/feature
  alt_url: https://console.test/r/{resource}/feature/alt
  get_started: "#get-started"
  initialized: "#feature-ready"
credential:
  url: https://console.test/r/{resource}/credentials
  region: "#credential-region"
  absent: "#credential-absent"
`

const testCredentialValue = "key-ABCDEFGHIJ0123"

func testProfile(t *testing.T) *Profile {
	t.Helper()
	p, err := ParseProfile([]byte(testProfileYAML))
	require.NoError(t, err)
	return p
}

// testConfig shrinks every wait so a full workflow runs in milliseconds.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.TimingCfg = config.TimingConfig{
		Step:         500 * time.Millisecond,
		Login:        500 * time.Millisecond,
		Short:        10 * time.Millisecond,
		Poll:         5 * time.Millisecond,
		ProbeWindow:  20 * time.Millisecond,
		Interstitial: 100 * time.Millisecond,
		FinalWait:    500 * time.Millisecond,
		FeatureWait:  100 * time.Millisecond,
		SectionWait:  50 * time.Millisecond,
		RefreshPause: 5 * time.Millisecond,
		StageBudgets: map[string]time.Duration{StageExtractCredential: 500 * time.Millisecond},
	}
	cfg.RetryCfg.ClickBackoff = time.Millisecond
	cfg.RetryCfg.TypeBackoff = time.Millisecond
	cfg.FlowCfg.ResourcesPerAccount = 1
	cfg.FlowCfg.ResourcePrefix = "sh"
	return cfg
}

// fakeConsole scripts a browsertest page model that behaves like a provisioning console for
// one account's resources.
type fakeConsole struct {
	drv *browsertest.Driver

	mu              sync.Mutex
	rejectSignIn    bool
	interstitial    bool
	consent         bool
	lateHome        bool
	resources       map[string]bool
	registered      map[string]bool
	featureReady    map[string]bool
	featureVisits   map[string]int
	trailingClicks  int
	credentialReady func(resource string) bool
}

func newFakeConsole() *fakeConsole {
	c := &fakeConsole{
		drv:             browsertest.New(),
		resources:       make(map[string]bool),
		registered:      make(map[string]bool),
		featureReady:    make(map[string]bool),
		featureVisits:   make(map[string]int),
		credentialReady: func(string) bool { return true },
	}
	c.drv.OnNavigate("https://console.test/signin", c.signInPage)
	c.drv.OnNavigate("https://console.test/", c.consolePage)
	return c
}

// serve registers the per-resource pages.
func (c *fakeConsole) serve(resource string) *fakeConsole {
	base := "https://console.test/r/" + resource
	c.drv.OnNavigate(base, func(d *browsertest.Driver) {
		if c.has(c.resources, resource) {
			d.Show("#resource-home")
		} else {
			d.Show("#resource-missing")
		}
	})
	c.drv.OnNavigate(base+"/settings", func(d *browsertest.Driver) { c.settingsPage(d, resource) })
	c.drv.OnNavigate(base+"/feature", func(d *browsertest.Driver) { c.featurePage(d, resource) })
	c.drv.OnNavigate(base+"/feature/alt", func(d *browsertest.Driver) { d.Show("#alt-view") })
	c.drv.OnNavigate(base+"/credentials", func(d *browsertest.Driver) { c.credentialsPage(d, resource) })
	return c
}

func (c *fakeConsole) has(m map[string]bool, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m[key]
}

func (c *fakeConsole) set(m map[string]bool, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[key] = true
}

func (c *fakeConsole) visits(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.featureVisits[resource]
}

func (c *fakeConsole) flag(f *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *f
}

func (c *fakeConsole) signInPage(d *browsertest.Driver) {
	if c.flag(&c.consent) {
		// The banner keeps the form hidden until it is accepted.
		d.Add("#identity", &browsertest.Node{})
		d.Add("#consent", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Remove("#consent")
			d.Show("#identity")
		}})
	} else {
		d.Show("#identity")
	}
	d.Add("#identity-next", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
		d.Show("#secret")
		d.Add("#secret-next", &browsertest.Node{Visible: true, OnClick: c.afterSecret})
	}})
}

func (c *fakeConsole) afterSecret(d *browsertest.Driver) {
	c.mu.Lock()
	reject, interstitial := c.rejectSignIn, c.interstitial
	c.mu.Unlock()
	switch {
	case reject:
	case interstitial:
		d.Show("#speedbump")
		d.Add("#speedbump-confirm", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Remove("#speedbump")
			d.Remove("#speedbump-confirm")
			d.Show("#avatar")
		}})
	default:
		d.Show("#avatar")
	}
}

func (c *fakeConsole) consolePage(d *browsertest.Driver) {
	d.Add("#create-start", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
		d.Show("#name-input")
		d.Add("#parent-picker", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Show("#parent-acme")
		}})
		d.Add("#terms", &browsertest.Node{Visible: true, Checkbox: true})
		d.Add("#continue", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			d.Remove("#continue")
			d.Add("#create", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
				c.set(c.resources, d.Value("#name-input"))
				// A late home page only renders on the next load.
				if !c.flag(&c.lateHome) {
					d.Show("#resource-home")
				}
			}})
		}})
	}})
}

func (c *fakeConsole) settingsPage(d *browsertest.Driver, resource string) {
	if c.has(c.registered, resource) {
		d.Show("#app-registered")
		return
	}
	d.Show("#app-empty")
	d.Add("#register-open", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
		d.Show("#nickname")
		d.Add("#register-submit", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
			if d.Value("#nickname") == resource {
				c.set(c.registered, resource)
			}
			d.Add("#wizard-next", &browsertest.Node{Visible: true, OnClick: c.trailingStep})
		}})
	}})
}

// trailingStep disappears after its second click.
func (c *fakeConsole) trailingStep(d *browsertest.Driver) {
	c.mu.Lock()
	c.trailingClicks++
	done := c.trailingClicks%2 == 0
	c.mu.Unlock()
	if done {
		d.Remove("#wizard-next")
	}
}

func (c *fakeConsole) featurePage(d *browsertest.Driver, resource string) {
	c.mu.Lock()
	c.featureVisits[resource]++
	ready := c.featureReady[resource]
	c.mu.Unlock()
	if ready {
		d.Show("#feature-ready")
		return
	}
	d.Add("#get-started", &browsertest.Node{Visible: true, OnClick: func(d *browsertest.Driver) {
		c.set(c.featureReady, resource)
		d.Remove("#get-started")
		d.Show("#feature-ready")
	}})
}

func (c *fakeConsole) credentialsPage(d *browsertest.Driver, resource string) {
	if c.credentialReady(resource) {
		d.Add("#credential-region", &browsertest.Node{Visible: true, Text: "Web API key\n\"" + testCredentialValue + "\""})
		return
	}
	d.Add("#credential-region", &browsertest.Node{Visible: true, Text: "No key has been issued"})
	d.Show("#credential-absent")
}

// -- collaborators --

type recordingCapturer struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingCapturer) Capture(ctx context.Context, drv browser.Driver, tag string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return "logs/dbg-" + tag + ".png"
}

type recordingAppender struct {
	mu      sync.Mutex
	entries []ledger.Entry
	err     error
}

func (r *recordingAppender) Append(e ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}
