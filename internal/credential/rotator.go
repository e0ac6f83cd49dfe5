package credential

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNoCredentials is returned by Next once every credential is invalid.
var ErrNoCredentials = errors.New("credential: no valid credentials left")

// Status is a point-in-time view of one credential in the rotation.
type Status struct {
	Name   string
	Kind   Kind
	Email  string
	Valid  bool
	Reason string // why the credential was retired; empty while valid
}

// Rotator hands out credentials round-robin and permanently skips the ones
// that have been invalidated. Invalidation lasts for the life of the process.
// Safe for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	creds   []*Credential
	reasons map[string]string // name -> invalidation reason
	next    int
	logger  *slog.Logger
}

// NewRotator builds a rotator over creds in the given order.
func NewRotator(creds []*Credential, logger *slog.Logger) *Rotator {
	return &Rotator{
		creds:   creds,
		reasons: make(map[string]string),
		logger:  logger,
	}
}

// Next returns the next valid credential after the previously handed out one.
func (r *Rotator) Next() (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for range len(r.creds) {
		c := r.creds[r.next]
		r.next = (r.next + 1) % len(r.creds)

		if _, bad := r.reasons[c.name]; !bad {
			return c, nil
		}
	}

	return nil, ErrNoCredentials
}

// Invalidate retires c from the rotation. Reports whether this call retired
// it (false if it was already invalid).
func (r *Rotator) Invalidate(c *Credential, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bad := r.reasons[c.name]; bad {
		return false
	}

	r.reasons[c.name] = reason

	r.logger.Warn("credential invalidated",
		slog.String("credential", c.name),
		slog.String("reason", reason),
		slog.Int("remaining", len(r.creds)-len(r.reasons)),
	)

	return true
}

// IsValid reports whether c is still in rotation.
func (r *Rotator) IsValid(c *Credential) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, bad := r.reasons[c.name]

	return !bad
}

// Valid returns the number of credentials still in rotation.
func (r *Rotator) Valid() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.creds) - len(r.reasons)
}

// Len returns the total number of credentials, valid or not.
func (r *Rotator) Len() int {
	return len(r.creds)
}

// Snapshot returns the status of every credential in rotation order.
func (r *Rotator) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.creds))

	for _, c := range r.creds {
		reason, bad := r.reasons[c.name]
		out = append(out, Status{
			Name:   c.name,
			Kind:   c.kind,
			Email:  c.email,
			Valid:  !bad,
			Reason: reason,
		})
	}

	return out
}
