package schema

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
)

// Kind binds a discriminant value to the fields it accepts, an optional
// cross-field check and a decoder into a typed Spec.
type Kind struct {
	Name        string
	Description string
	Fields      []Field

	// Check runs after every field validated and sees normalised params.
	Check func(params ir.Object, report func(field, msg string))

	// Decode turns normalised params into a Spec. Nested specifications are
	// decoded through the registry.
	Decode func(r *Registry, params ir.Object) (Spec, error)
}

// Registry is the closed set of query kinds. It is built once and never
// modified afterwards, so it is safe for concurrent use.
type Registry struct {
	order []string
	kinds map[string]Kind
}

// NewRegistry registers kinds in order. A nested field may only reference
// kinds registered before it, which keeps specifications acyclic.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if err := r.register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(kinds ...Kind) *Registry {
	r, err := NewRegistry(kinds...)
	if err != nil {
		panic(err)
	}
	return r
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return MustRegistry(BuiltinKinds()...)
})

// Default returns the registry of built-in query kinds.
func Default() *Registry {
	return defaultRegistry()
}

func (r *Registry) register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("register kind: empty name")
	}
	if _, dup := r.kinds[k.Name]; dup {
		return fmt.Errorf("register kind %s: already registered", k.Name)
	}
	if k.Decode == nil {
		return fmt.Errorf("register kind %s: no decoder", k.Name)
	}

	seen := make(map[string]bool, len(k.Fields))
	for _, f := range k.Fields {
		if f.Name == "" || f.Name == KindField {
			return fmt.Errorf("register kind %s: invalid field name %q", k.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("register kind %s: duplicate field %s", k.Name, f.Name)
		}
		seen[f.Name] = true
		if err := r.checkField(f); err != nil {
			return fmt.Errorf("register kind %s: field %s: %w", k.Name, f.Name, err)
		}
	}

	r.kinds[k.Name] = k
	r.order = append(r.order, k.Name)
	return nil
}

func (r *Registry) checkField(f Field) error {
	switch f.Type {
	case TypeString, TypeDate, TypeDatetime, TypeNull:
	case TypeEnum:
		if len(f.Choices) == 0 {
			return fmt.Errorf("enum without choices")
		}
	case TypeList:
		if f.Item == nil {
			return fmt.Errorf("list without item type")
		}
		if f.Set && !slices.Contains([]FieldType{TypeString, TypeEnum, TypeDate, TypeDatetime}, f.Item.Type) {
			return fmt.Errorf("set of %s", f.Item.Type)
		}
		if err := r.checkField(*f.Item); err != nil {
			return fmt.Errorf("item: %w", err)
		}
	case TypeNested:
		if len(f.Kinds) == 0 {
			return fmt.Errorf("nested field without kinds")
		}
		for _, name := range f.Kinds {
			if _, ok := r.kinds[name]; !ok {
				return fmt.Errorf("nested kind %s is not registered", name)
			}
		}
	default:
		return fmt.Errorf("unknown field type %s", f.Type)
	}

	if f.Default != nil {
		if f.Required {
			return fmt.Errorf("required field with default")
		}
		errs := errorSet{}
		if _, ok := r.validateValue(f, ir.ToAny(f.Default), f.Name, errs); !ok {
			return fmt.Errorf("invalid default: %v", errs[f.Name])
		}
	}
	return nil
}

// Kinds returns the registered kind names in registration order.
func (r *Registry) Kinds() []string {
	return append([]string(nil), r.order...)
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.kinds[kind]
	return ok
}

// Load validates a raw specification (as decoded from JSON with UseNumber)
// and decodes it into a typed Spec. Validation problems are returned as a
// *ValidationError; nothing is built.
func (r *Registry) Load(raw map[string]any) (Spec, error) {
	errs := errorSet{}
	params, ok := r.validateObject(raw, "", nil, errs)
	if !ok {
		if err := errs.err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("invalid query specification")
	}
	return r.decode(params)
}

// Build constructs the query graph for spec.
func (r *Registry) Build(spec Spec) (*graph.Query, error) {
	b := graph.NewBuilder()
	h, err := spec.Build(b)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", spec.Kind(), err)
	}
	return b.Query(h)
}

// Compile is Load followed by Build.
func (r *Registry) Compile(raw map[string]any) (Spec, *graph.Query, error) {
	spec, err := r.Load(raw)
	if err != nil {
		return nil, nil, err
	}
	q, err := r.Build(spec)
	if err != nil {
		return nil, nil, err
	}
	return spec, q, nil
}

// Rebuild revalidates stored parameters (as returned by Spec.Params) and
// builds their graph. A valid specification rebuilds to the same identity.
func (r *Registry) Rebuild(params ir.Object) (*graph.Query, error) {
	raw, ok := ir.ToAny(params).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rebuild: parameters are not an object")
	}
	_, q, err := r.Compile(raw)
	return q, err
}

func (r *Registry) decode(params ir.Object) (Spec, error) {
	name, _ := params[KindField].(ir.String)
	k, ok := r.kinds[string(name)]
	if !ok {
		return nil, fmt.Errorf("decode: unknown kind %q", name)
	}
	spec, err := k.Decode(r, params)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return spec, nil
}

// validateObject validates one kind-tagged mapping. allowed restricts the
// kinds accepted at this position; nil accepts any registered kind.
// The returned object carries the kind under KindField.
func (r *Registry) validateObject(raw map[string]any, path string, allowed []string, errs errorSet) (ir.Object, bool) {
	local := errorSet{}
	defer func() {
		for p, msgs := range local {
			errs[p] = append(errs[p], msgs...)
		}
	}()

	kindPath := joinPath(path, KindField)
	kindRaw, present := raw[KindField]
	if !present || kindRaw == nil {
		local.add(kindPath, MsgRequired)
		return nil, false
	}
	name, isString := kindRaw.(string)
	if allowed != nil && (!isString || !slices.Contains(allowed, name)) {
		local.add(kindPath, choicesMessage(allowed))
		return nil, false
	}
	k, ok := r.kinds[name]
	if !isString || !ok {
		local.add(kindPath, fmt.Sprintf("Unsupported value: %v", kindRaw))
		return nil, false
	}

	fields := make(map[string]Field, len(k.Fields))
	for _, f := range k.Fields {
		fields[f.Name] = f
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, known := fields[key]; !known && key != KindField {
			local.add(joinPath(path, key), MsgUnknownField)
		}
	}

	out := ir.Object{KindField: ir.String(name)}
	for _, f := range k.Fields {
		fieldPath := joinPath(path, f.Name)
		v, present := raw[f.Name]
		if !present {
			switch {
			case f.Default != nil:
				out[f.Name] = ir.CloneValue(f.Default)
			case f.Required:
				local.add(fieldPath, MsgRequired)
			}
			continue
		}
		if norm, ok := r.validateValue(f, v, fieldPath, local); ok {
			out[f.Name] = norm
		}
	}

	if len(local) == 0 && k.Check != nil {
		k.Check(out, func(field, msg string) {
			local.add(joinPath(path, field), msg)
		})
	}
	if len(local) > 0 {
		return nil, false
	}
	return out, true
}

// Schemas describes every registered kind in OpenAPI 3 schema form, keyed
// by kind name.
func (r *Registry) Schemas() map[string]any {
	out := make(map[string]any, len(r.order))
	for _, name := range r.order {
		k := r.kinds[name]
		props := map[string]any{
			KindField: map[string]any{"type": "string", "enum": []string{name}},
		}
		required := []string{KindField}
		for _, f := range k.Fields {
			props[f.Name] = f.jsonSchema()
			if f.Required {
				required = append(required, f.Name)
			}
		}
		s := map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
		if k.Description != "" {
			s["description"] = k.Description
		}
		out[name] = s
	}
	return out
}
