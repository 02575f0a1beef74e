package bubble

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/fruitsalade/bubblemirror/internal/manifest"
)

var (
	// ErrUnexpectedOTGManifest is returned when the bubble has zero or
	// several viewable children carrying an OTG manifest.
	ErrUnexpectedOTGManifest = manifest.ErrUnexpectedOTGManifest

	// ErrAuthFailure is returned when the CDN answers with an XML error
	// document instead of the asset, which it does for ACM failures.
	ErrAuthFailure = errors.New("authentication failure: XML error body")
)

// ErrorList collects the non-fatal failures of one download. It is safe
// for concurrent use by the tasks of a batch.
type ErrorList struct {
	mu   sync.Mutex
	errs []error
}

// Add records err. Nil is ignored.
func (l *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

// Addf records a formatted error.
func (l *ErrorList) Addf(format string, args ...any) {
	l.Add(fmt.Errorf(format, args...))
}

// Len returns the number of recorded errors.
func (l *ErrorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

// Messages returns the recorded errors as strings, in insertion order.
func (l *ErrorList) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.errs))
	for i, err := range l.errs {
		out[i] = err.Error()
	}
	return out
}

// Err combines the recorded errors, or returns nil if there are none.
func (l *ErrorList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return multierr.Combine(l.errs...)
}
