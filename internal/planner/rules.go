package planner

import "schemaline/internal/config"

// Rules are the field exclusions applied while planning. Codes in
// SystemFields and fields whose type is in ImmutableTypes are never added,
// updated or deleted.
type Rules struct {
	SystemFields   map[string]struct{}
	ImmutableTypes map[string]struct{}
}

// NewRules builds Rules from plain lists.
func NewRules(systemFields, immutableTypes []string) Rules {
	r := Rules{
		SystemFields:   make(map[string]struct{}, len(systemFields)),
		ImmutableTypes: make(map[string]struct{}, len(immutableTypes)),
	}
	for _, code := range systemFields {
		r.SystemFields[code] = struct{}{}
	}
	for _, t := range immutableTypes {
		r.ImmutableTypes[t] = struct{}{}
	}
	return r
}

// DefaultRules returns the platform's built-in system fields and immutable types.
func DefaultRules() Rules {
	d := config.Default("default")
	return NewRules(d.Rules.SystemFields, d.Rules.ImmutableTypes)
}

// RulesFromConfig uses the configured lists, falling back to the defaults
// for any list left empty.
func RulesFromConfig(cfg *config.Config) Rules {
	if cfg == nil {
		return DefaultRules()
	}
	d := config.Default("default")
	system := cfg.Rules.SystemFields
	if len(system) == 0 {
		system = d.Rules.SystemFields
	}
	immutable := cfg.Rules.ImmutableTypes
	if len(immutable) == 0 {
		immutable = d.Rules.ImmutableTypes
	}
	return NewRules(system, immutable)
}

func (r Rules) isSystem(code string) bool {
	_, ok := r.SystemFields[code]
	return ok
}

func (r Rules) isImmutable(fieldType string) bool {
	_, ok := r.ImmutableTypes[fieldType]
	return ok
}
