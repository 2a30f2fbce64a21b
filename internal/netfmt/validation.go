package netfmt

import "errors"

// Validator accumulates frame validation errors. By default it stops after
// the first error; AllowMultiple changes that so callers can see every
// problem with a malformed frame at once (useful in tests).
type Validator struct {
	allowMultiple bool
	accum         []error
}

// AllowMultiple configures whether subsequent errors accumulate instead of
// being discarded after the first one.
func (v *Validator) AllowMultiple(allow bool) { v.allowMultiple = allow }

// Reset clears accumulated errors for reuse.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// AddError records err, subject to the AllowMultiple setting.
func (v *Validator) AddError(err error) {
	if len(v.accum) != 0 && !v.allowMultiple {
		return
	}
	v.accum = append(v.accum, err)
}

// Err returns nil if no error was recorded, the lone error if exactly one
// was recorded, or a joined error otherwise.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}
