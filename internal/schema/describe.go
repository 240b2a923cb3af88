package schema

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Message is the structural description of a message type.
type Message struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field describes one field of a message.
type Field struct {
	Name     string `json:"name"`
	JSONName string `json:"jsonName"`
	Number   int32  `json:"number"`
	// Type is the scalar kind, or the full name of an enum or message type.
	// For maps it describes the value.
	Type  string `json:"type"`
	Label string `json:"label"` // "singular", "repeated" or "map"
	Key   string `json:"key,omitempty"`
	Oneof string `json:"oneof,omitempty"`

	Enum   []string `json:"enum,omitempty"`
	Fields []Field  `json:"fields,omitempty"`
	// Ref is set instead of Fields when the type recurses into itself.
	Ref string `json:"ref,omitempty"`
}

// Describe returns the schema of md as data.
func Describe(md protoreflect.MessageDescriptor) Message {
	visiting := map[protoreflect.FullName]bool{md.FullName(): true}
	return Message{
		Name:   string(md.FullName()),
		Fields: describeFields(md, visiting),
	}
}

func describeFields(md protoreflect.MessageDescriptor, visiting map[protoreflect.FullName]bool) []Field {
	fields := md.Fields()
	out := make([]Field, 0, fields.Len())
	for i := 0; i < fields.Len(); i++ {
		out = append(out, describeField(fields.Get(i), visiting))
	}
	return out
}

func describeField(fd protoreflect.FieldDescriptor, visiting map[protoreflect.FullName]bool) Field {
	f := Field{
		Name:     string(fd.Name()),
		JSONName: fd.JSONName(),
		Number:   int32(fd.Number()),
		Label:    "singular",
	}
	if od := fd.ContainingOneof(); od != nil && !od.IsSynthetic() {
		f.Oneof = string(od.Name())
	}

	valueDesc := fd
	switch {
	case fd.IsMap():
		f.Label = "map"
		f.Key = fd.MapKey().Kind().String()
		valueDesc = fd.MapValue()
	case fd.IsList():
		f.Label = "repeated"
	}

	f.Type = typeName(valueDesc)
	switch valueDesc.Kind() {
	case protoreflect.EnumKind:
		values := valueDesc.Enum().Values()
		for i := 0; i < values.Len(); i++ {
			f.Enum = append(f.Enum, string(values.Get(i).Name()))
		}
	case protoreflect.MessageKind, protoreflect.GroupKind:
		nested := valueDesc.Message()
		switch {
		case isWellKnown(nested):
			// Described by its canonical JSON form
		case visiting[nested.FullName()]:
			f.Ref = string(nested.FullName())
		default:
			visiting[nested.FullName()] = true
			f.Fields = describeFields(nested, visiting)
			delete(visiting, nested.FullName())
		}
	}
	return f
}

// typeName returns the scalar kind, or the full name of an enum or message.
func typeName(fd protoreflect.FieldDescriptor) string {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return string(fd.Message().FullName())
	case protoreflect.EnumKind:
		return string(fd.Enum().FullName())
	default:
		return fd.Kind().String()
	}
}
