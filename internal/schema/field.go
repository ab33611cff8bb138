package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/flowq/internal/ir"
)

// FieldType selects how a field's raw value is checked and normalised.
type FieldType int

const (
	TypeString FieldType = iota + 1
	TypeDate
	TypeDatetime
	TypeEnum
	TypeList
	TypeNested
	TypeNull
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeDate:
		return "date"
	case TypeDatetime:
		return "datetime"
	case TypeEnum:
		return "enum"
	case TypeList:
		return "list"
	case TypeNested:
		return "nested"
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Field describes one parameter of a query kind.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  ir.Value // filled in when the field is absent

	Choices []string // TypeEnum

	Item     *Field // TypeList
	MinItems int    // TypeList
	Set      bool   // TypeList: sort and deduplicate, so order does not affect identity

	Kinds []string // TypeNested: allowed kinds of the embedded specification
}

// Layouts for dates and datetimes. Output is always the first layout.
const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02T15:04:05"
)

var datetimeInputs = []string{
	datetimeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339,
	dateLayout,
}

func choicesMessage(choices []string) string {
	return "Must be one of: " + strings.Join(choices, ", ") + "."
}

// validateValue checks raw against f and returns its normalised form.
// ok is false when the value produced messages or should be omitted.
func (r *Registry) validateValue(f Field, raw any, path string, errs errorSet) (ir.Value, bool) {
	if raw == nil {
		if f.Type != TypeNull {
			errs.add(path, MsgNotNull)
		}
		return nil, false
	}

	switch f.Type {
	case TypeNull:
		errs.add(path, MsgOnlyNull)
		return nil, false

	case TypeString:
		s, ok := raw.(string)
		if !ok {
			errs.add(path, MsgNotString)
			return nil, false
		}
		// Identities hash the NFC form, so the parameters must carry it too.
		return ir.String(norm.NFC.String(s)), true

	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			errs.add(path, MsgNotDate)
			return nil, false
		}
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			errs.add(path, MsgNotDate)
			return nil, false
		}
		return ir.String(d.Format(dateLayout)), true

	case TypeDatetime:
		s, ok := raw.(string)
		if !ok {
			errs.add(path, MsgNotDatetime)
			return nil, false
		}
		d, ok := parseDatetime(s)
		if !ok {
			errs.add(path, MsgNotDatetime)
			return nil, false
		}
		return ir.String(d.Format(datetimeLayout)), true

	case TypeEnum:
		s, ok := raw.(string)
		if ok {
			s = norm.NFC.String(s)
		}
		if !ok || !slices.Contains(f.Choices, s) {
			errs.add(path, choicesMessage(f.Choices))
			return nil, false
		}
		return ir.String(s), true

	case TypeList:
		return r.validateList(f, raw, path, errs)

	case TypeNested:
		obj, ok := raw.(map[string]any)
		if !ok {
			errs.add(path, MsgInvalidType)
			return nil, false
		}
		spec, ok := r.validateObject(obj, path, f.Kinds, errs)
		if !ok {
			return nil, false
		}
		return spec, true

	default:
		errs.add(path, fmt.Sprintf("unsupported field type %s", f.Type))
		return nil, false
	}
}

func (r *Registry) validateList(f Field, raw any, path string, errs errorSet) (ir.Value, bool) {
	items, ok := raw.([]any)
	if !ok {
		if ss, isStrings := raw.([]string); isStrings {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		} else {
			errs.add(path, MsgNotList)
			return nil, false
		}
	}
	if len(items) < f.MinItems {
		errs.add(path, fmt.Sprintf("Shorter than minimum length %d.", f.MinItems))
		return nil, false
	}

	out := make(ir.Array, 0, len(items))
	valid := true
	for i, item := range items {
		v, ok := r.validateValue(*f.Item, item, joinPath(path, fmt.Sprint(i)), errs)
		if !ok {
			valid = false
			continue
		}
		out = append(out, v)
	}
	if !valid {
		return nil, false
	}
	if f.Set {
		out = sortedSet(out)
	}
	return out, true
}

// sortedSet orders scalar strings and drops duplicates. Set is only
// allowed on lists of strings, enums and dates, checked at registration.
func sortedSet(arr ir.Array) ir.Array {
	strs := make([]string, len(arr))
	for i, v := range arr {
		strs[i] = string(v.(ir.String))
	}
	slices.Sort(strs)
	return ir.Strings(slices.Compact(strs)...)
}

func parseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeInputs {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// jsonSchema describes f in OpenAPI 3 schema form.
func (f Field) jsonSchema() map[string]any {
	var s map[string]any
	switch f.Type {
	case TypeString:
		s = map[string]any{"type": "string"}
	case TypeDate:
		s = map[string]any{"type": "string", "format": "date"}
	case TypeDatetime:
		s = map[string]any{"type": "string", "format": "date-time"}
	case TypeEnum:
		s = map[string]any{"type": "string", "enum": append([]string(nil), f.Choices...)}
	case TypeList:
		s = map[string]any{"type": "array", "items": f.Item.jsonSchema()}
		if f.MinItems > 0 {
			s["minItems"] = f.MinItems
		}
		if f.Set {
			s["uniqueItems"] = true
		}
	case TypeNested:
		refs := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			refs[i] = map[string]any{"$ref": schemaRef(k)}
		}
		s = map[string]any{"oneOf": refs}
		if len(f.Kinds) > 1 {
			mapping := make(map[string]any, len(f.Kinds))
			for _, k := range f.Kinds {
				mapping[k] = schemaRef(k)
			}
			s["discriminator"] = map[string]any{"propertyName": KindField, "mapping": mapping}
		}
	case TypeNull:
		s = map[string]any{"nullable": true, "enum": []any{nil}}
	default:
		s = map[string]any{}
	}
	if f.Default != nil {
		s["default"] = ir.ToAny(f.Default)
	}
	return s
}

func schemaRef(kind string) string {
	return "#/components/schemas/" + kind
}
