package validate

import (
	"slices"
	"sync"
)

// FormOptions controls when Form re-checks a field
type FormOptions struct {
	ValidateOnChange bool
	ValidateOnBlur   bool
}

// DefaultFormOptions checks on both change and blur
func DefaultFormOptions() FormOptions {
	return FormOptions{ValidateOnChange: true, ValidateOnBlur: true}
}

// Form tracks values and check results for a fixed set of fields
type Form struct {
	rules  map[string]Rule
	order  []string
	opts   FormOptions
	mu     sync.RWMutex
	values map[string]string
	fields map[string]FieldState
}

// NewForm creates a Form for the given field rules
func NewForm(rules map[string]Rule, opts FormOptions) *Form {
	f := &Form{
		rules:  rules,
		opts:   opts,
		values: make(map[string]string, len(rules)),
		fields: make(map[string]FieldState, len(rules)),
	}
	for name := range rules {
		f.order = append(f.order, name)
	}
	slices.Sort(f.order)
	f.ResetAll()
	return f
}

// Validate checks value against the field's rule and stores the result.
// Unknown fields are reported valid.
func (f *Form) Validate(field, value string) FieldState {
	rule, ok := f.rules[field]
	if !ok {
		return FieldState{Valid: true}
	}

	state := Check(rule, value)

	f.mu.Lock()
	f.fields[field] = state
	f.mu.Unlock()

	return state
}

// Change records a new value and checks it when ValidateOnChange is set
func (f *Form) Change(field, value string) {
	f.mu.Lock()
	f.values[field] = value
	f.mu.Unlock()

	if f.opts.ValidateOnChange {
		f.Validate(field, value)
	}
}

// Blur checks the current value when ValidateOnBlur is set
func (f *Form) Blur(field string) {
	if !f.opts.ValidateOnBlur {
		return
	}

	f.mu.RLock()
	value := f.values[field]
	f.mu.RUnlock()

	f.Validate(field, value)
}

// ValidateAll checks every field against values and returns true if all pass
func (f *Form) ValidateAll(values map[string]string) bool {
	allValid := true
	for _, field := range f.order {
		if !f.Validate(field, values[field]).Valid {
			allValid = false
		}
	}
	return allValid
}

// ResetField clears the value and state of one field
func (f *Form) ResetField(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[field] = ""
	f.fields[field] = FieldState{}
}

// ResetAll clears every field
func (f *Form) ResetAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, field := range f.order {
		f.values[field] = ""
		f.fields[field] = FieldState{}
	}
}

// SetError marks a field invalid with a message, e.g. from a server answer
func (f *Form) SetError(field, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fields[field] = FieldState{Valid: false, Dirty: true, Error: msg}
}

// AllValid returns true if every field passed its last check
func (f *Form) AllValid() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, field := range f.order {
		if !f.fields[field].Valid {
			return false
		}
	}
	return true
}

// Field returns the state of a field
func (f *Form) Field(field string) FieldState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fields[field]
}

// Value returns the last value recorded by Change
func (f *Form) Value(field string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[field]
}
