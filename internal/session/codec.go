package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
)

// Session payloads carry raw binary sub-fields (key material, MACs). Plain
// JSON would flatten those into untyped base64 strings and the round trip
// would be lossy, so []byte values are tagged on the wire:
//
//	{"type":"Buffer","data":"<base64>"}
//
// Unmarshal turns tagged objects back into []byte.

// Marshal serializes a session payload, tagging binary sub-fields.
func Marshal(v any) ([]byte, error) {
	tagged, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged)
}

// Unmarshal parses a session payload produced by Marshal. Tagged buffer
// objects decode to []byte; everything else decodes to the generic JSON
// shapes (map[string]any, []any, float64, string, bool, nil).
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return decodeValue(v), nil
}

func bufferObject(b []byte) map[string]any {
	return map[string]any{
		"type": "Buffer",
		"data": base64.StdEncoding.EncodeToString(b),
	}
}

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bufferObject(x), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			enc, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			enc, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return x, nil
	}
	return encodeReflect(reflect.ValueOf(v))
}

// encodeReflect handles typed payloads (structs, typed maps/slices) the
// external library may hand us, so their []byte fields still get tagged.
func encodeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return bufferObject(rv.Bytes()), nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("session: unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := encodeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	case reflect.Struct:
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitEmpty := jsonFieldName(f)
			if name == "-" {
				continue
			}
			fv := rv.Field(i)
			if omitEmpty && fv.IsZero() {
				continue
			}
			enc, err := encodeValue(fv.Interface())
			if err != nil {
				return nil, err
			}
			out[name] = enc
		}
		return out, nil
	default:
		return nil, fmt.Errorf("session: unsupported payload type %s", rv.Type())
	}
}

func jsonFieldName(f reflect.StructField) (name string, omitEmpty bool) {
	name = f.Name
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return name, false
	}
	for i, part := range splitComma(tag) {
		if i == 0 {
			if part != "" {
				name = part
			}
			continue
		}
		if part == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if b, ok := asBuffer(x); ok {
			return b
		}
		for k, e := range x {
			x[k] = decodeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeValue(e)
		}
		return x
	default:
		return v
	}
}

func asBuffer(m map[string]any) ([]byte, bool) {
	if len(m) != 2 {
		return nil, false
	}
	if t, _ := m["type"].(string); t != "Buffer" {
		return nil, false
	}
	s, ok := m["data"].(string)
	if !ok {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
