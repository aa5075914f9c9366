package browser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts either the mapping form {kind, value, tag} or a scalar shorthand:
// "css:...", "xpath:...", "text:..." or "text:button:...". A scalar without a prefix is CSS.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err := ParseSelector(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*s = parsed
		return nil
	case yaml.MappingNode:
		type plain Selector
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		if p.Kind == "" {
			p.Kind = CSS
		}
		*s = Selector(p)
		return s.validate()
	default:
		return fmt.Errorf("line %d: selector must be a string or a mapping", node.Line)
	}
}

// ParseSelector parses the scalar shorthand form of a selector.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	kind, rest, found := strings.Cut(raw, ":")
	var s Selector
	if !found {
		s = Selector{Kind: CSS, Value: raw}
		return s, s.validate()
	}

	switch SelectorKind(kind) {
	case CSS, XPath:
		s = Selector{Kind: SelectorKind(kind), Value: rest}
	case Text:
		// text:<tag>:<value> narrows by element name; a bare text:<value> matches any element.
		if tag, value, ok := strings.Cut(rest, ":"); ok && isTagName(tag) {
			s = Selector{Kind: Text, Tag: tag, Value: value}
		} else {
			s = Selector{Kind: Text, Value: rest}
		}
	default:
		// Pseudo-classes such as "a:hover" contain a colon but are still CSS.
		s = Selector{Kind: CSS, Value: raw}
	}
	return s, s.validate()
}

func (s *Selector) validate() error {
	switch s.Kind {
	case CSS, XPath, Text:
	default:
		return fmt.Errorf("unknown selector kind %q", s.Kind)
	}
	if strings.TrimSpace(s.Value) == "" {
		return fmt.Errorf("%s selector has an empty value", s.Kind)
	}
	return nil
}

func isTagName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// UnmarshalYAML accepts a single selector or a list of alternatives.
func (l *Locator) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var sels []Selector
		if err := node.Decode(&sels); err != nil {
			return err
		}
		l.Selectors = sels
		return nil
	default:
		var s Selector
		if err := node.Decode(&s); err != nil {
			return err
		}
		l.Selectors = []Selector{s}
		return nil
	}
}
