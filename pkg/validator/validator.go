// Package validator implements the RecordValidator capability: record
// acceptance and best-record selection, with concrete realizations ranging
// from trivial accept/reject through namespace dispatch to the full IPNS
// signature-and-sequence validator.
package validator

import (
	"errors"
	"fmt"
)

// Validator is the capability a PutValue path and a GetValue selection path
// both consume: whether a (key, value) pair may be stored, and which of
// several candidate values for the same key should win.
type Validator interface {
	// Validate reports whether value is an acceptable record under key.
	Validate(key, value []byte) error
	// Select returns the index into values of the authoritative record.
	// The zero-value default behavior (first-wins) is preserved by any
	// validator that does not override selection.
	Select(key []byte, values [][]byte) (int, error)
}

// ErrNoValues is returned by Select when given an empty candidate list.
var ErrNoValues = errors.New("validator: no values to select from")

// ErrRejected is the base validation failure for validators that reject
// unconditionally or on a simple predicate.
var ErrRejected = errors.New("validator: record rejected")

func defaultSelect(values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, ErrNoValues
	}
	return 0, nil
}

// AcceptAll validates every record and selects the first value.
type AcceptAll struct{}

func (AcceptAll) Validate(_, _ []byte) error { return nil }
func (AcceptAll) Select(_ []byte, values [][]byte) (int, error) {
	return defaultSelect(values)
}

// RejectAll rejects every record.
type RejectAll struct{}

func (RejectAll) Validate(_, _ []byte) error { return fmt.Errorf("%w: RejectAll validator", ErrRejected) }
func (RejectAll) Select(_ []byte, values [][]byte) (int, error) {
	return defaultSelect(values)
}

// KeyLength rejects keys outside [Min, Max]. A zero Max means no upper
// bound.
type KeyLength struct {
	Min int
	Max int
}

func (v KeyLength) Validate(key, _ []byte) error {
	if len(key) < v.Min {
		return fmt.Errorf("%w: key length %d below minimum %d", ErrRejected, len(key), v.Min)
	}
	if v.Max > 0 && len(key) > v.Max {
		return fmt.Errorf("%w: key length %d exceeds maximum %d", ErrRejected, len(key), v.Max)
	}
	return nil
}

func (v KeyLength) Select(_ []byte, values [][]byte) (int, error) {
	return defaultSelect(values)
}

// ValueSize rejects values larger than Max bytes.
type ValueSize struct {
	Max int
}

func (v ValueSize) Validate(_, value []byte) error {
	if v.Max > 0 && len(value) > v.Max {
		return fmt.Errorf("%w: value size %d exceeds maximum %d", ErrRejected, len(value), v.Max)
	}
	return nil
}

func (v ValueSize) Select(_ []byte, values [][]byte) (int, error) {
	return defaultSelect(values)
}

// DefaultMaxValueSize matches the protocol's 1 MiB message cap, since a
// record can never usefully exceed the wire frame that carries it.
const DefaultMaxValueSize = 1 << 20

// Composite AND-folds a list of validators: a record is valid only if every
// child validator accepts it. Selection defers to the first child whose
// Select disagrees with the first-wins default; if none do, it falls back
// to first-wins.
type Composite struct {
	Validators []Validator
}

func (c Composite) Validate(key, value []byte) error {
	for _, v := range c.Validators {
		if err := v.Validate(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (c Composite) Select(key []byte, values [][]byte) (int, error) {
	for _, v := range c.Validators {
		idx, err := v.Select(key, values)
		if err != nil {
			return 0, err
		}
		if idx != 0 {
			return idx, nil
		}
	}
	return defaultSelect(values)
}

// Namespaced dispatches Validate/Select by the key's byte-prefix namespace,
// extracted up to and including the second '/'. Unknown namespaces fall
// back to Default.
type Namespaced struct {
	Namespaces map[string]Validator
	Default    Validator
}

// ExtractNamespace returns the namespace prefix of key (e.g. "/ipns/" for
// "/ipns/<peerID>"), or an error if key is not namespace-shaped.
func ExtractNamespace(key []byte) (string, error) {
	if len(key) == 0 || key[0] != '/' {
		return "", fmt.Errorf("%w: key %q is not namespace-prefixed", ErrRejected, key)
	}
	for i := 1; i < len(key); i++ {
		if key[i] == '/' {
			return string(key[:i+1]), nil
		}
	}
	return "", fmt.Errorf("%w: key %q has no closing namespace slash", ErrRejected, key)
}

func (n Namespaced) resolve(key []byte) Validator {
	ns, err := ExtractNamespace(key)
	if err != nil {
		return n.Default
	}
	v, ok := n.Namespaces[ns]
	if !ok {
		return n.Default
	}
	return v
}

func (n Namespaced) Validate(key, value []byte) error {
	v := n.resolve(key)
	if v == nil {
		return fmt.Errorf("%w: no validator for namespace of key %q", ErrRejected, key)
	}
	return v.Validate(key, value)
}

func (n Namespaced) Select(key []byte, values [][]byte) (int, error) {
	v := n.resolve(key)
	if v == nil {
		return defaultSelect(values)
	}
	return v.Select(key, values)
}
