package flow

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/stagehand/internal/browser"
)

// Profile is the selector set for one target console. URLs and locator values may contain
// the placeholders {resource}, {parent} and {identity}, substituted per workflow.
type Profile struct {
	Auth        AuthProfile        `yaml:"auth"`
	Resource    ResourceProfile    `yaml:"resource"`
	SubResource SubResourceProfile `yaml:"sub_resource"`
	Feature     FeatureProfile     `yaml:"feature"`
	Credential  CredentialProfile  `yaml:"credential"`
}

// AuthProfile drives the sign-in form.
type AuthProfile struct {
	SignInURL string `yaml:"sign_in_url"`
	// Consent is an optional cookie or consent banner dismissed before the form is filled.
	Consent       browser.Locator `yaml:"consent"`
	IdentityInput browser.Locator `yaml:"identity_input"`
	IdentityNext  browser.Locator `yaml:"identity_next"`
	SecretInput   browser.Locator `yaml:"secret_input"`
	SecretNext    browser.Locator `yaml:"secret_next"`
	// PostAuth is any element that only exists once signed in.
	PostAuth browser.Locator `yaml:"post_auth"`
	// Interstitial is an optional confirmation page shown after sign-in.
	Interstitial        browser.Locator `yaml:"interstitial"`
	InterstitialConfirm browser.Locator `yaml:"interstitial_confirm"`
}

// ResourceProfile drives the create wizard of the primary resource.
type ResourceProfile struct {
	ConsoleURL string `yaml:"console_url"`
	// HomeURL is the landing page of one resource, e.g. https://console.example/r/{resource}.
	HomeURL string `yaml:"home_url"`
	// Home is present on HomeURL when the resource exists; Missing when it does not.
	Home    browser.Locator `yaml:"home"`
	Missing browser.Locator `yaml:"missing"`

	CreateStart      browser.Locator `yaml:"create_start"`
	NameInput        browser.Locator `yaml:"name_input"`
	ParentPicker     browser.Locator `yaml:"parent_picker"`
	ParentOption     browser.Locator `yaml:"parent_option"`
	Terms            browser.Locator `yaml:"terms"`
	AnalyticsStep    browser.Locator `yaml:"analytics_step"`
	AnalyticsAccount browser.Locator `yaml:"analytics_account"`
	Continue         browser.Locator `yaml:"continue"`
	Create           browser.Locator `yaml:"create"`
	// Created marks the end of creation. It defaults to Home.
	Created browser.Locator `yaml:"created"`
}

// SubResourceProfile drives registration of the sub-resource on the settings page.
type SubResourceProfile struct {
	SettingsURL   string          `yaml:"settings_url"`
	Registered    browser.Locator `yaml:"registered"`
	Empty         browser.Locator `yaml:"empty"`
	Open          browser.Locator `yaml:"open"`
	NicknameInput browser.Locator `yaml:"nickname_input"`
	Submit        browser.Locator `yaml:"submit"`
	// Trailing matches the generic Next/Continue controls that follow registration.
	Trailing browser.Locator `yaml:"trailing"`
}

// FeatureProfile drives one-time initialization of the feature the credential depends on.
type FeatureProfile struct {
	HomeURL string `yaml:"home_url"`
	// AltURL is a second view of the feature; bouncing through it refreshes console state.
	AltURL      string          `yaml:"alt_url"`
	GetStarted  browser.Locator `yaml:"get_started"`
	Initialized browser.Locator `yaml:"initialized"`
}

// CredentialProfile locates the credential once it is issued.
type CredentialProfile struct {
	URL    string          `yaml:"url"`
	Region browser.Locator `yaml:"region"`
	// Absent is text the console shows while no credential exists yet.
	Absent browser.Locator `yaml:"absent"`
}

// ErrInvalidProfile is returned when a required selector or URL is missing.
var ErrInvalidProfile = errors.New("invalid profile")

// LoadProfile reads and validates a YAML profile. A leading ~ is expanded.
func LoadProfile(path string) (*Profile, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand profile path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

type profileField struct {
	name     string
	loc      *browser.Locator
	required bool
}

func (p *Profile) locators() []profileField {
	return []profileField{
		{"auth.consent", &p.Auth.Consent, false},
		{"auth.identity_input", &p.Auth.IdentityInput, true},
		{"auth.identity_next", &p.Auth.IdentityNext, true},
		{"auth.secret_input", &p.Auth.SecretInput, true},
		{"auth.secret_next", &p.Auth.SecretNext, true},
		{"auth.post_auth", &p.Auth.PostAuth, true},
		{"auth.interstitial", &p.Auth.Interstitial, false},
		{"auth.interstitial_confirm", &p.Auth.InterstitialConfirm, false},
		{"resource.home", &p.Resource.Home, true},
		{"resource.missing", &p.Resource.Missing, false},
		{"resource.create_start", &p.Resource.CreateStart, true},
		{"resource.name_input", &p.Resource.NameInput, true},
		{"resource.parent_picker", &p.Resource.ParentPicker, false},
		{"resource.parent_option", &p.Resource.ParentOption, false},
		{"resource.terms", &p.Resource.Terms, false},
		{"resource.analytics_step", &p.Resource.AnalyticsStep, false},
		{"resource.analytics_account", &p.Resource.AnalyticsAccount, false},
		{"resource.continue", &p.Resource.Continue, false},
		{"resource.create", &p.Resource.Create, true},
		{"resource.created", &p.Resource.Created, false},
		{"sub_resource.registered", &p.SubResource.Registered, true},
		{"sub_resource.empty", &p.SubResource.Empty, false},
		{"sub_resource.open", &p.SubResource.Open, true},
		{"sub_resource.nickname_input", &p.SubResource.NicknameInput, true},
		{"sub_resource.submit", &p.SubResource.Submit, true},
		{"sub_resource.trailing", &p.SubResource.Trailing, false},
		{"feature.get_started", &p.Feature.GetStarted, false},
		{"feature.initialized", &p.Feature.Initialized, true},
		{"credential.region", &p.Credential.Region, true},
		{"credential.absent", &p.Credential.Absent, false},
	}
}

// Validate checks required fields and names every locator after its profile key so waits
// and log lines refer to it meaningfully.
func (p *Profile) Validate() error {
	var missing []string
	for _, f := range p.locators() {
		if f.loc.Name == "" {
			f.loc.Name = f.name
		}
		if f.required && f.loc.IsZero() {
			missing = append(missing, f.name)
		}
	}
	urls := []struct {
		name, value string
	}{
		{"auth.sign_in_url", p.Auth.SignInURL},
		{"resource.console_url", p.Resource.ConsoleURL},
		{"resource.home_url", p.Resource.HomeURL},
		{"sub_resource.settings_url", p.SubResource.SettingsURL},
		{"feature.home_url", p.Feature.HomeURL},
		{"credential.url", p.Credential.URL},
	}
	for _, u := range urls {
		if strings.TrimSpace(u.value) == "" {
			missing = append(missing, u.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidProfile, strings.Join(missing, ", "))
	}
	if !p.Resource.ParentPicker.IsZero() && p.Resource.ParentOption.IsZero() {
		return fmt.Errorf("%w: resource.parent_picker requires resource.parent_option", ErrInvalidProfile)
	}
	if p.Resource.Created.IsZero() {
		p.Resource.Created = p.Resource.Home
		p.Resource.Created.Name = "resource.created"
	}
	return nil
}

// expanded returns a copy of the profile with placeholders substituted.
func (p *Profile) expanded(r *strings.Replacer) *Profile {
	out := *p
	for _, f := range out.locators() {
		*f.loc = f.loc.Expand(r)
	}
	out.Auth.SignInURL = r.Replace(out.Auth.SignInURL)
	out.Resource.ConsoleURL = r.Replace(out.Resource.ConsoleURL)
	out.Resource.HomeURL = r.Replace(out.Resource.HomeURL)
	out.SubResource.SettingsURL = r.Replace(out.SubResource.SettingsURL)
	out.Feature.HomeURL = r.Replace(out.Feature.HomeURL)
	out.Feature.AltURL = r.Replace(out.Feature.AltURL)
	out.Credential.URL = r.Replace(out.Credential.URL)
	return &out
}

func placeholders(resource, parent, identity string) *strings.Replacer {
	return strings.NewReplacer("{resource}", resource, "{parent}", parent, "{identity}", identity)
}
