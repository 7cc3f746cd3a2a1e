package model

// AOR is a named collection of contact bindings (spec.md §3).
type AOR struct {
	ID string

	MaxContacts        int
	MinimumExpiration   int
	DefaultExpiration   int
	MaximumExpiration   int
	QualifyFrequency    int
	QualifyTimeout      int
	AuthenticateQualify bool
	RemoveExisting      bool
	SupportPath         bool

	// PermanentContacts are statically configured and unaffected by
	// REGISTER processing.
	PermanentContacts []string
}

// ClampExpiration applies the minimum_expiration/maximum_expiration
// bounds (spec.md §4.1 Expiration selection). A requested value of 0
// (unregister) passes through unchanged.
func (a *AOR) ClampExpiration(requested int) int {
	if requested == 0 {
		return 0
	}
	if requested < a.MinimumExpiration {
		return a.MinimumExpiration
	}
	if requested > a.MaximumExpiration {
		return a.MaximumExpiration
	}
	return requested
}

// RegistrationEnabled reports whether REGISTER is permitted on this AOR
// (spec.md §4.1 Pre-validation: 403 if max_contacts == 0).
func (a *AOR) RegistrationEnabled() bool {
	return a.MaxContacts > 0
}

// Qualifies reports whether this AOR runs periodic OPTIONS probing
// (spec.md §4.3).
func (a *AOR) Qualifies() bool {
	return a.QualifyFrequency > 0
}
