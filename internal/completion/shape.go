package completion

// Kind is the JSON value kind of a Shape node.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
)

// Property is a named member of an object shape. Order is significant.
type Property struct {
	Name  string
	Shape *Shape
}

// Shape is a declarative output constraint passed to a structured call.
//
// It is plain data: providers translate it into their own schema dialect.
type Shape struct {
	Kind        Kind
	Description string
	// Nullable admits null in place of a value.
	Nullable bool

	// Object only.
	Properties []Property
	Required   []string
	Closed     bool

	// Array only.
	Items *Shape

	// String only. Restricts the value to one of these literals.
	Enum []string
}

func String(desc string) *Shape { return &Shape{Kind: KindString, Description: desc} }

func Number(desc string) *Shape { return &Shape{Kind: KindNumber, Description: desc} }

func Boolean(desc string) *Shape { return &Shape{Kind: KindBoolean, Description: desc} }

// Enum is a string restricted to values. With no values it is an open string.
func Enum(desc string, values ...string) *Shape {
	s := String(desc)
	if len(values) > 0 {
		s.Enum = append([]string(nil), values...)
	}
	return s
}

// OrNull marks s nullable and returns it.
func (s *Shape) OrNull() *Shape {
	s.Nullable = true
	return s
}

func Array(items *Shape) *Shape { return &Shape{Kind: KindArray, Items: items} }

func Prop(name string, s *Shape) Property { return Property{Name: name, Shape: s} }

// Record is a closed object in which every property is required.
func Record(props ...Property) *Shape {
	s := &Shape{Kind: KindObject, Closed: true}
	for _, p := range props {
		s.Properties = append(s.Properties, p)
		s.Required = append(s.Required, p.Name)
	}
	return s
}

// Property returns the named property shape.
func (s *Shape) Property(name string) (*Shape, bool) {
	if s == nil {
		return nil, false
	}
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Shape, true
		}
	}
	return nil, false
}

// JSONSchema renders the shape as a strict JSON Schema document.
func (s *Shape) JSONSchema() map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": string(s.Kind)}
	if s.Nullable {
		out["type"] = []string{string(s.Kind), "null"}
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Kind {
	case KindObject:
		props := make(map[string]any, len(s.Properties))
		for _, p := range s.Properties {
			props[p.Name] = p.Shape.JSONSchema()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = append([]string(nil), s.Required...)
		}
		if s.Closed {
			out["additionalProperties"] = false
		}
	case KindArray:
		out["items"] = s.Items.JSONSchema()
	case KindString:
		if len(s.Enum) > 0 && s.Nullable {
			enum := make([]any, 0, len(s.Enum)+1)
			for _, v := range s.Enum {
				enum = append(enum, v)
			}
			out["enum"] = append(enum, nil)
		} else if len(s.Enum) > 0 {
			out["enum"] = append([]string(nil), s.Enum...)
		}
	}
	return out
}
