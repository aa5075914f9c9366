// Package ledger is the append-only record of completed workflows. Each line is
// "<CREDENTIAL> <IDENTITY> <RESOURCE_ID>\n"; lines are only ever appended.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
)

var linePattern = regexp.MustCompile(`^\S+ \S+ \S+$`)

// ErrInvalidEntry is returned for an entry that would break the line format.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Entry is one successful workflow.
type Entry struct {
	Credential string
	Identity   string
	ResourceID string
}

// String renders the entry as a ledger line without the trailing newline.
func (e Entry) String() string {
	return e.Credential + " " + e.Identity + " " + e.ResourceID
}

// Validate checks the line format and the credential shape.
func (e Entry) Validate(credential *regexp.Regexp) error {
	return ValidateLine(e.String(), credential)
}

// ValidateLine checks one ledger line (without newline) against the format contract.
func ValidateLine(line string, credential *regexp.Regexp) error {
	if !linePattern.MatchString(line) {
		return fmt.Errorf("%w: %q is not three space-separated fields", ErrInvalidEntry, line)
	}
	first, _, _ := strings.Cut(line, " ")
	if credential != nil && !credential.MatchString(first) {
		return fmt.Errorf("%w: credential field does not match %s", ErrInvalidEntry, credential)
	}
	return nil
}

// ParseLine splits a validated line into an Entry.
func ParseLine(line string, credential *regexp.Regexp) (Entry, error) {
	if err := ValidateLine(line, credential); err != nil {
		return Entry{}, err
	}
	f := strings.Fields(line)
	return Entry{Credential: f[0], Identity: f[1], ResourceID: f[2]}, nil
}

// Ledger appends entries to a file. It is safe for concurrent use by many workflows.
type Ledger struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	credential *regexp.Regexp
}

// Open opens (creating if needed) the ledger at path for appending. A leading ~ is expanded.
func Open(path string, credential *regexp.Regexp) (*Ledger, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand ledger path: %w", err)
	}
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(expanded, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Ledger{path: expanded, f: f, credential: credential}, nil
}

// Path returns the expanded file path.
func (l *Ledger) Path() string { return l.path }

// Append validates e and writes it as one line, synced to disk before returning.
func (l *Ledger) Append(e Entry) error {
	if err := e.Validate(l.credential); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("ledger is closed")
	}
	// A single write call keeps the line whole even if another process appends too.
	if _, err := l.f.WriteString(e.String() + "\n"); err != nil {
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// Close closes the file. It is safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// LineError reports one malformed line found by Verify.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// Verify checks every non-empty line of r and returns the malformed ones with the count of
// well-formed entries.
func Verify(r io.Reader, credential *regexp.Regexp) (valid int, bad []LineError, err error) {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if line == "" {
			continue
		}
		if verr := ValidateLine(line, credential); verr != nil {
			bad = append(bad, LineError{Line: n, Err: verr})
			continue
		}
		valid++
	}
	return valid, bad, sc.Err()
}
