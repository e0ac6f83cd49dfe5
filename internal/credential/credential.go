// Package credential manages the set of Google credentials used for outbound
// Drive calls: loading them, rotating through them round-robin, retiring the
// ones that stop working, and probing whether one can reach a folder.
package credential

import "golang.org/x/oauth2"

// Kind distinguishes a personal OAuth account from a service account.
type Kind string

// Credential kinds.
const (
	KindPersonal       Kind = "personal"
	KindServiceAccount Kind = "service_account"
)

// Credential is one identity that can authorize Drive requests. Name is
// unique within a Rotator and is what appears in logs; it never contains
// token material.
type Credential struct {
	name  string
	kind  Kind
	email string
	src   oauth2.TokenSource
}

// New returns a credential backed by src.
func New(name string, kind Kind, email string, src oauth2.TokenSource) *Credential {
	return &Credential{name: name, kind: kind, email: email, src: src}
}

// Name identifies the credential in logs and status output.
func (c *Credential) Name() string { return c.name }

// Kind reports whether this is a personal or service account.
func (c *Credential) Kind() Kind { return c.kind }

// Email is the account address when known (service accounts always have one).
func (c *Credential) Email() string { return c.email }

// TokenSource returns the source of access tokens for this credential.
func (c *Credential) TokenSource() oauth2.TokenSource { return c.src }
