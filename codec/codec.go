// Package codec serializes memory values to and from their durable string
// form.
//
// Every stored payload carries a Kind tag so that decoding restores the
// original semantic type: integers stay integers, floats stay floats, and
// text is never confused with the number it spells. Payloads are JSON;
// composite values decode to []any and map[string]any with numbers
// normalized to int64 or float64.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Kind identifies the semantic type of an encoded payload.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

var (
	// ErrCorruptValue reports a stored payload or kind tag that cannot be
	// decoded. The codec never produces such data itself, so seeing this
	// means the backing store was damaged or written by something else.
	ErrCorruptValue = errors.New("corrupt value")

	// ErrUnsupportedType reports a value the codec cannot encode.
	ErrUnsupportedType = errors.New("unsupported value type")
)

// Encode serializes v and reports the Kind needed to decode it again.
// Values whose marshaled form disagrees with their classification, such as
// []byte or json.Marshaler implementors like time.Time, fail with
// ErrUnsupportedType: every payload Encode produces must decode under its
// own kind tag.
func Encode(v any) (string, Kind, error) {
	kind, err := kindOf(v)
	if err != nil {
		return "", "", err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode %s value: %w", kind, err)
	}
	if !compositeShapeOK(payload, kind) {
		return "", "", fmt.Errorf("%w: %T does not marshal to a %s", ErrUnsupportedType, v, kind)
	}
	return string(payload), kind, nil
}

// compositeShapeOK reports whether a payload tagged as a composite kind
// actually marshaled to one. Reflection classifies byte slices and marshaler
// implementors as lists or maps, yet their JSON form is a string the tag
// could never decode.
func compositeShapeOK(payload []byte, kind Kind) bool {
	switch kind {
	case KindList:
		return len(payload) > 0 && payload[0] == '['
	case KindMap:
		return len(payload) > 0 && payload[0] == '{'
	default:
		return true
	}
}

// Decode restores the value serialized in payload according to kind.
// Unknown kinds and unparseable payloads fail with ErrCorruptValue.
func Decode(payload string, kind Kind) (any, error) {
	switch kind {
	case KindNull:
		return nil, nil
	case KindBool:
		var b bool
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return nil, corrupt(kind, err)
		}
		return b, nil
	case KindInt:
		if n, err := strconv.ParseInt(payload, 10, 64); err == nil {
			return n, nil
		}
		u, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			return nil, corrupt(kind, err)
		}
		return u, nil
	case KindFloat:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, corrupt(kind, err)
		}
		return f, nil
	case KindString:
		var s string
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, corrupt(kind, err)
		}
		return s, nil
	case KindList:
		v, err := decodeComposite(payload)
		if err != nil {
			return nil, corrupt(kind, err)
		}
		list, ok := v.([]any)
		if !ok {
			return nil, corrupt(kind, fmt.Errorf("payload is %T, not a list", v))
		}
		return list, nil
	case KindMap:
		v, err := decodeComposite(payload)
		if err != nil {
			return nil, corrupt(kind, err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, corrupt(kind, fmt.Errorf("payload is %T, not a mapping", v))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptValue, kind)
	}
}

// EncodeMetadata serializes a caller-supplied metadata mapping. A nil
// mapping encodes to nil, stored as NULL.
func EncodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata restores a stored metadata mapping. nil input yields nil.
func DecodeMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	v, err := decodeComposite(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptValue, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: metadata is %T, not a mapping", ErrCorruptValue, v)
	}
	return m, nil
}

func corrupt(kind Kind, err error) error {
	return fmt.Errorf("%w: decode %s: %v", ErrCorruptValue, kind, err)
}

// kindOf classifies a value for encoding. Typed slices, arrays, maps and
// structs are accepted through reflection; everything else is rejected.
// Nil slices, maps and pointers classify as null, matching the null they
// marshal to.
func kindOf(v any) (Kind, error) {
	if v == nil {
		return KindNull, nil
	}
	switch t := v.(type) {
	case bool:
		return KindBool, nil
	case string:
		return KindString, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt, nil
	case float32, float64:
		return KindFloat, nil
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return KindFloat, nil
		}
		return KindInt, nil
	case []any:
		if t == nil {
			return KindNull, nil
		}
		return KindList, nil
	case map[string]any:
		if t == nil {
			return KindNull, nil
		}
		return KindMap, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return KindNull, nil
		}
		return kindOf(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return KindNull, nil
		}
		return KindList, nil
	case reflect.Array:
		return KindList, nil
	case reflect.Map:
		if rv.IsNil() {
			return KindNull, nil
		}
		return KindMap, nil
	case reflect.Struct:
		return KindMap, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// decodeComposite parses a JSON document keeping numbers as json.Number,
// then normalizes them to int64 (or uint64 beyond the int64 range) when the
// literal has no fractional or exponent part, float64 otherwise.
func decodeComposite(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return u
			}
		}
		f, err := t.Float64()
		if err != nil {
			// Unrepresentable literal; keep the raw text rather than lose it.
			return s
		}
		return f
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	}
	return v
}
