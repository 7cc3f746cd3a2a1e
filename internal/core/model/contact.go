package model

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Contact is a reachable address for an AOR (spec.md §3).
type Contact struct {
	ID       string
	AORID    string
	URI      string
	ExpirationTime time.Time

	Path         string
	UserAgent    string
	ViaAddr      string
	ViaPort      int
	CallID       string
	EndpointName string

	// RegServer is the server-instance identifier that accepted the
	// registration, used to prune stale contacts on boot.
	RegServer string

	// PruneOnBoot marks a dynamic contact for removal if the server
	// restarts before it expires naturally.
	PruneOnBoot bool

	// Permanent contacts are statically configured (no expiration,
	// id uses the "@@" separator instead of ";@").
	Permanent bool
}

// dynamicIDSeparator and permanentIDSeparator distinguish the two
// contact-id schemes (spec.md §3 Contact.id).
const (
	dynamicIDSeparator   = ";@"
	permanentIDSeparator = "@@"
)

// hashURI returns the lowercase hex md5 of a contact URI, used to build
// contact ids deterministically from their URI.
func hashURI(uri string) string {
	sum := md5.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}

// NewDynamicContactID builds the id scheme for a REGISTER-created contact:
// "<aor>;@<md5(uri)>".
func NewDynamicContactID(aor, uri string) string {
	return aor + dynamicIDSeparator + hashURI(uri)
}

// NewPermanentContactID builds the id scheme for a statically configured
// contact: "<aor>@@<md5(uri)>".
func NewPermanentContactID(aor, uri string) string {
	return aor + permanentIDSeparator + hashURI(uri)
}

// Expired reports whether the contact's bound expiration has passed as
// of now. A zero ExpirationTime counts as expired ("past").
func (c *Contact) Expired(now time.Time) bool {
	return c.ExpirationTime.IsZero() || !c.ExpirationTime.After(now)
}

// SecondsRemaining returns the non-negative number of seconds until
// expiration, for the Contact "expires=" response parameter.
func (c *Contact) SecondsRemaining(now time.Time) int {
	if c.Expired(now) {
		return 0
	}
	d := c.ExpirationTime.Sub(now)
	secs := int(d.Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
