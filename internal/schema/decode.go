// Package schema converts between JSON payloads and dynamic protobuf
// messages using descriptors discovered at runtime.
package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Decode builds a message of type md from a JSON object.
//
// Field names match either the JSON name or the proto name. Unknown fields,
// type mismatches and out-of-range numbers fail with an
// errors.ValidationError whose Field is the path of the offending value,
// e.g. "items[2].count". JSON null leaves a field unset.
func Decode(md protoreflect.MessageDescriptor, data []byte) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	if err := DecodeInto(msg, data); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeInto populates msg from a JSON object. See Decode.
func DecodeInto(msg protoreflect.Message, data []byte) error {
	md := msg.Descriptor()
	if len(bytes.TrimSpace(data)) == 0 {
		return apperrors.ValidationError{Message: "empty payload"}
	}

	// Well-known types have their own JSON mapping
	if isWellKnown(md) {
		if err := protojson.Unmarshal(data, msg.Interface()); err != nil {
			return apperrors.ValidationError{Message: err.Error()}
		}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return apperrors.ValidationError{Message: "malformed JSON: " + err.Error()}
	}
	if _, err := dec.Token(); err != io.EOF {
		return apperrors.ValidationError{Message: "malformed JSON: unexpected data after top-level value"}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return apperrors.ValidationError{Message: "expected object, got " + jsonKind(v)}
	}
	return decodeMessage(msg, obj, "")
}

// decodeMessage sets the fields of msg from obj.
func decodeMessage(msg protoreflect.Message, obj map[string]any, path string) error {
	fields := msg.Descriptor().Fields()
	oneofs := make(map[protoreflect.FullName]string)

	// Sorted so the reported error is stable
	for _, key := range sortedKeys(obj) {
		value := obj[key]
		fieldPath := joinPath(path, key)

		fd := fields.ByJSONName(key)
		if fd == nil {
			fd = fields.ByName(protoreflect.Name(key))
		}
		if fd == nil {
			return apperrors.ValidationError{Field: fieldPath, Message: "unknown field"}
		}

		if value == nil && !acceptsNull(fd) {
			continue
		}

		if od := fd.ContainingOneof(); od != nil && !od.IsSynthetic() {
			if other, set := oneofs[od.FullName()]; set {
				return apperrors.ValidationError{
					Field:   fieldPath,
					Message: fmt.Sprintf("oneof %s is already set by %s", od.Name(), other),
				}
			}
			oneofs[od.FullName()] = key
		}

		if err := setField(msg, fd, value, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

// setField assigns value to fd, handling list and map cardinality.
func setField(msg protoreflect.Message, fd protoreflect.FieldDescriptor, value any, path string) error {
	switch {
	case fd.IsList():
		items, ok := value.([]any)
		if !ok {
			return mismatch(path, "array", value)
		}
		list := msg.Mutable(fd).List()
		for i, item := range items {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			if item == nil && !acceptsNull(fd) {
				return apperrors.ValidationError{Field: itemPath, Message: "null is not allowed in a repeated field"}
			}
			v, err := decodeValue(fd, item, itemPath, list.NewElement)
			if err != nil {
				return err
			}
			list.Append(v)
		}
		return nil

	case fd.IsMap():
		entries, ok := value.(map[string]any)
		if !ok {
			return mismatch(path, "object", value)
		}
		m := msg.Mutable(fd).Map()
		keyDesc, valDesc := fd.MapKey(), fd.MapValue()
		for _, k := range sortedKeys(entries) {
			entryPath := fmt.Sprintf("%s[%s]", path, k)
			key, err := parseMapKey(keyDesc, k)
			if err != nil {
				return apperrors.ValidationError{Field: entryPath, Message: err.Error()}
			}
			if entries[k] == nil && !acceptsNull(valDesc) {
				return apperrors.ValidationError{Field: entryPath, Message: "null is not allowed as a map value"}
			}
			v, err := decodeValue(valDesc, entries[k], entryPath, m.NewValue)
			if err != nil {
				return err
			}
			m.Set(key.MapKey(), v)
		}
		return nil

	default:
		v, err := decodeValue(fd, value, path, func() protoreflect.Value { return msg.NewField(fd) })
		if err != nil {
			return err
		}
		msg.Set(fd, v)
		return nil
	}
}

// decodeValue converts a single JSON value for fd. newMessage allocates the
// destination when fd is a message field.
func decodeValue(fd protoreflect.FieldDescriptor, v any, path string, newMessage func() protoreflect.Value) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		if b, ok := v.(bool); ok {
			return protoreflect.ValueOfBool(b), nil
		}
		return protoreflect.Value{}, mismatch(path, "boolean", v)

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := parseInt(v, 32)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := parseInt(v, 64)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfInt64(n), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := parseUint(v, 32)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := parseUint(v, 64)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfUint64(n), nil

	case protoreflect.FloatKind:
		f, err := parseFloat(v, 32)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil

	case protoreflect.DoubleKind:
		f, err := parseFloat(v, 64)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfFloat64(f), nil

	case protoreflect.StringKind:
		if s, ok := v.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
		return protoreflect.Value{}, mismatch(path, "string", v)

	case protoreflect.BytesKind:
		s, ok := v.(string)
		if !ok {
			return protoreflect.Value{}, mismatch(path, "base64 string", v)
		}
		b, err := decodeBase64(s)
		if err != nil {
			return protoreflect.Value{}, apperrors.ValidationError{Field: path, Message: "invalid base64 data"}
		}
		return protoreflect.ValueOfBytes(b), nil

	case protoreflect.EnumKind:
		return decodeEnum(fd.Enum(), v, path)

	case protoreflect.MessageKind, protoreflect.GroupKind:
		nv := newMessage()
		if isWellKnown(fd.Message()) {
			raw, err := json.Marshal(v)
			if err != nil {
				return protoreflect.Value{}, fieldError(path, err)
			}
			if err := protojson.Unmarshal(raw, nv.Message().Interface()); err != nil {
				return protoreflect.Value{}, apperrors.ValidationError{
					Field:   path,
					Message: fmt.Sprintf("invalid %s: %v", fd.Message().FullName(), err),
				}
			}
			return nv, nil
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return protoreflect.Value{}, mismatch(path, "object", v)
		}
		if err := decodeMessage(nv.Message(), obj, path); err != nil {
			return protoreflect.Value{}, err
		}
		return nv, nil
	}

	return protoreflect.Value{}, apperrors.ValidationError{
		Field:   path,
		Message: fmt.Sprintf("unsupported field kind %s", fd.Kind()),
	}
}

// decodeEnum accepts an enum value by name or by number.
func decodeEnum(ed protoreflect.EnumDescriptor, v any, path string) (protoreflect.Value, error) {
	if v == nil && ed.FullName() == "google.protobuf.NullValue" {
		return protoreflect.ValueOfEnum(0), nil
	}
	switch val := v.(type) {
	case string:
		ev := ed.Values().ByName(protoreflect.Name(val))
		if ev == nil {
			return protoreflect.Value{}, apperrors.ValidationError{
				Field:   path,
				Message: fmt.Sprintf("unknown value %q for enum %s", val, ed.FullName()),
			}
		}
		return protoreflect.ValueOfEnum(ev.Number()), nil
	case json.Number:
		n, err := parseInt(val, 32)
		if err != nil {
			return protoreflect.Value{}, fieldError(path, err)
		}
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil
	default:
		return protoreflect.Value{}, mismatch(path, "enum name or number", v)
	}
}

// parseMapKey converts a JSON object key to a map key of the given kind.
func parseMapKey(fd protoreflect.FieldDescriptor, key string) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		return protoreflect.ValueOfString(key), nil
	case protoreflect.BoolKind:
		switch key {
		case "true":
			return protoreflect.ValueOfBool(true), nil
		case "false":
			return protoreflect.ValueOfBool(false), nil
		}
		return protoreflect.Value{}, fmt.Errorf("invalid bool map key %q", key)
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := strconv.ParseInt(key, 10, 32)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid int32 map key %q", key)
		}
		return protoreflect.ValueOfInt32(int32(n)), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid int64 map key %q", key)
		}
		return protoreflect.ValueOfInt64(n), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid uint32 map key %q", key)
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid uint64 map key %q", key)
		}
		return protoreflect.ValueOfUint64(n), nil
	}
	return protoreflect.Value{}, fmt.Errorf("unsupported map key type: %v", fd.Kind())
}

var errNotInteger = errors.New("expected integer")

// numberText extracts the textual form of a JSON number or numeric string.
func numberText(v any, want string) (string, error) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case string:
		if s := strings.TrimSpace(n); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("expected %s, got %s", want, jsonKind(v))
}

func parseInt(v any, bits int) (int64, error) {
	s, err := numberText(v, "integer")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, bits)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("value %s out of range for int%d", s, bits)
	}

	// Integral numbers written with an exponent or fraction, e.g. 1e3 or 2.0
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		if _, isString := v.(string); isString {
			return 0, fmt.Errorf("expected integer, got string")
		}
		return 0, fmt.Errorf("%w, got %s", errNotInteger, s)
	}
	limit := math.Ldexp(1, bits-1)
	if f < -limit || f >= limit {
		return 0, fmt.Errorf("value %s out of range for int%d", s, bits)
	}
	return int64(f), nil
}

func parseUint(v any, bits int) (uint64, error) {
	s, err := numberText(v, "unsigned integer")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("value %s out of range for uint%d", s, bits)
	}

	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		if _, isString := v.(string); isString {
			return 0, fmt.Errorf("expected unsigned integer, got string")
		}
		return 0, fmt.Errorf("expected unsigned integer, got %s", s)
	}
	if f < 0 || f >= math.Ldexp(1, bits) {
		return 0, fmt.Errorf("value %s out of range for uint%d", s, bits)
	}
	return uint64(f), nil
}

func parseFloat(v any, bits int) (float64, error) {
	if s, ok := v.(string); ok {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	s, err := numberText(v, "number")
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, bits)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("value %s out of range for float%d", s, bits)
		}
		return 0, fmt.Errorf("expected number, got %s", jsonKind(v))
	}
	return f, nil
}

// decodeBase64 accepts standard and URL-safe encodings, padded or not.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	}
	var err error
	for _, enc := range encodings {
		var b []byte
		if b, err = enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, err
}

// acceptsNull reports whether JSON null is a meaningful value for fd.
func acceptsNull(fd protoreflect.FieldDescriptor) bool {
	switch fd.Kind() {
	case protoreflect.MessageKind:
		return fd.Message().FullName() == "google.protobuf.Value"
	case protoreflect.EnumKind:
		return fd.Enum().FullName() == "google.protobuf.NullValue"
	}
	return false
}

// isWellKnown reports whether md is one of the google.protobuf types with a
// special JSON mapping.
func isWellKnown(md protoreflect.MessageDescriptor) bool {
	return strings.HasPrefix(string(md.FullName()), "google.protobuf.")
}

func mismatch(path, want string, got any) error {
	return apperrors.ValidationError{Field: path, Message: fmt.Sprintf("expected %s, got %s", want, jsonKind(got))}
}

func fieldError(path string, err error) error {
	return apperrors.ValidationError{Field: path, Message: err.Error()}
}

// jsonKind names the JSON type of a decoded value.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
