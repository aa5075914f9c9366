// Package browser defines the narrow driver contract the automation core is written against.
// Concrete implementations live in sub-packages: chrome drives a real Chromium over CDP and
// browsertest is an in-memory page model for tests.
package browser

import (
	"context"
	"fmt"
	"strings"
)

// SelectorKind identifies the strategy used to resolve a Selector.
type SelectorKind string

const (
	// CSS resolves with document.querySelectorAll.
	CSS SelectorKind = "css"
	// XPath resolves with an XPath expression.
	XPath SelectorKind = "xpath"
	// Text matches elements whose normalized visible text contains Value.
	// Tag optionally narrows the match to one element name, e.g. "button".
	Text SelectorKind = "text"
)

// Selector is one element-selection strategy.
type Selector struct {
	Kind  SelectorKind `yaml:"kind"`
	Value string       `yaml:"value"`
	Tag   string       `yaml:"tag,omitempty"`
}

func (s Selector) String() string {
	if s.Tag != "" {
		return fmt.Sprintf("%s:%s[%s]", s.Kind, s.Tag, s.Value)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Value)
}

// Locator is an ordered set of alternative selectors for one logical UI target.
// It is resolved afresh on every use; handles obtained from it are never cached across waits.
type Locator struct {
	Name      string
	Selectors []Selector
}

// CSSLocator builds a Locator out of CSS alternatives.
func CSSLocator(name string, values ...string) Locator {
	l := Locator{Name: name}
	for _, v := range values {
		l.Selectors = append(l.Selectors, Selector{Kind: CSS, Value: v})
	}
	return l
}

// TextLocator builds a Locator that matches any of the given texts on elements named tag.
func TextLocator(name, tag string, texts ...string) Locator {
	l := Locator{Name: name}
	for _, v := range texts {
		l.Selectors = append(l.Selectors, Selector{Kind: Text, Value: v, Tag: tag})
	}
	return l
}

// IsZero reports whether the locator has no selectors, i.e. the target is not configured.
func (l Locator) IsZero() bool { return len(l.Selectors) == 0 }

// Expand returns a copy with template placeholders substituted in every selector value.
func (l Locator) Expand(r *strings.Replacer) Locator {
	out := Locator{Name: l.Name, Selectors: make([]Selector, len(l.Selectors))}
	for i, s := range l.Selectors {
		s.Value = r.Replace(s.Value)
		out.Selectors[i] = s
	}
	return out
}

func (l Locator) String() string {
	if l.Name != "" {
		return l.Name
	}
	parts := make([]string, len(l.Selectors))
	for i, s := range l.Selectors {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Element is an opaque handle to a resolved node. A handle may go stale at any time.
type Element interface {
	ID() string
}

// Driver is the set of page operations the core needs.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// FindElements returns every node currently matching sel. An empty result is not an error.
	FindElements(ctx context.Context, sel Selector) ([]Element, error)
	IsVisible(ctx context.Context, el Element) (bool, error)
	IsEnabled(ctx context.Context, el Element) (bool, error)
	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	// Evaluate calls the JavaScript function declaration fn with args and decodes its
	// JSON-serializable return value into out, which may be nil. Element arguments are
	// passed to the function as live DOM nodes.
	Evaluate(ctx context.Context, fn string, out interface{}, args ...interface{}) error
	CurrentURL(ctx context.Context) (string, error)
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}

// Session is a Driver bound to one isolated browsing context for one workflow.
type Session interface {
	Driver
	ID() string
	Close(ctx context.Context) error
}

// SessionFactory opens isolated sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}
