// Package accounts loads the list of identities a run provisions.
package accounts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/stagehand/internal/observability"
)

// ErrMalformed is returned for a line that is not "identity secret".
var ErrMalformed = errors.New("malformed account line")

// Account is one identity to provision. It is read once and never mutated.
type Account struct {
	Identity string
	Secret   string
}

// String never includes the secret in clear.
func (a Account) String() string {
	return a.Identity + " " + observability.Mask(a.Secret)
}

// Slug is a lowercase alphanumeric token derived from the identity's local part, usable
// inside resource identifiers.
func (a Account) Slug() string {
	local, _, _ := strings.Cut(a.Identity, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "acct"
	}
	return b.String()
}

// Load reads accounts from path. A leading ~ is expanded.
func Load(path string) ([]Account, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand accounts path: %w", err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return list, nil
}

// Parse reads one "identity secret" pair per line. Blank lines and lines starting with #
// are skipped. Duplicate identities are rejected since each account is owned by exactly one
// workflow.
func Parse(r io.Reader) ([]Account, error) {
	var (
		list []Account
		seen = make(map[string]int)
	)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: %w: want 2 fields, got %d", n, ErrMalformed, len(fields))
		}
		if prev, dup := seen[fields[0]]; dup {
			return nil, fmt.Errorf("line %d: %w: identity %s already listed on line %d", n, ErrMalformed, fields[0], prev)
		}
		seen[fields[0]] = n
		list = append(list, Account{Identity: fields[0], Secret: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	return list, nil
}
