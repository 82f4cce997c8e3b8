package shared

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Kind is the runtime type of a single params/result element.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindBool
	KindNumber
	// KindObject holds structured JSON (an object or a nested array) kept raw
	// until it is decoded into a target shape.
	KindObject
	// KindNative holds a Go value produced in-process. It is only serialized
	// when the message actually goes on the wire.
	KindNative
)

func (k Kind) String() string {
	names := [...]string{"null", "string", "bool", "number", "object", "native"}
	if k < 0 || int(k) >= len(names) {
		return "unknown"
	}
	return names[k]
}

// Value is one opaque element of Params or Result.
type Value struct {
	kind   Kind
	str    string
	b      bool
	num    float64
	raw    json.RawMessage
	native interface{}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() (string, bool) { return v.str, v.kind == KindString }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) Native() (interface{}, bool) { return v.native, v.kind == KindNative }

// Raw returns the JSON text of structured values.
func (v Value) Raw() (json.RawMessage, bool) { return v.raw, v.kind == KindObject }

// MarshalJSON encodes the element by its runtime kind.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.num)
	case KindObject:
		return v.raw, nil
	case KindNative:
		return json.Marshal(v.native)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// Decode stores the element into target, which must be a non-nil pointer.
// Native values are assigned directly when their type fits.
func (v Value) Decode(target interface{}) error {
	if v.kind == KindNative && v.native != nil {
		dst := reflect.ValueOf(target)
		if dst.Kind() == reflect.Ptr && !dst.IsNil() {
			src := reflect.ValueOf(v.native)
			if src.Type().AssignableTo(dst.Elem().Type()) {
				dst.Elem().Set(src)
				return nil
			}
		}
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// isObject reports whether the element serializes as a JSON object.
func (v Value) isObject() bool {
	switch v.kind {
	case KindObject:
		return firstByte(v.raw) == '{'
	case KindNative:
		data, err := json.Marshal(v.native)
		return err == nil && firstByte(data) == '{'
	}
	return false
}

func (v Value) isEmpty() bool {
	var data []byte
	switch v.kind {
	case KindNull:
		return true
	case KindObject:
		data = v.raw
	case KindNative:
		if v.native == nil {
			return true
		}
		var err error
		if data, err = json.Marshal(v.native); err != nil {
			return false
		}
	default:
		return false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return false
	}
	switch compact.String() {
	case "{}", "[]", "null":
		return true
	}
	return false
}

// ValueOf wraps an in-process Go value. Primitives keep their wire kind,
// json.RawMessage is parsed, everything else stays native.
func ValueOf(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Value{kind: KindNull}
	case Value:
		return t
	case string:
		return Value{kind: KindString, str: t}
	case bool:
		return Value{kind: KindBool, b: t}
	case json.RawMessage:
		if v, err := decodeValue(t); err == nil {
			return v
		}
		return Value{kind: KindNative, native: t}
	case float64:
		return Value{kind: KindNumber, num: t}
	case float32:
		return Value{kind: KindNumber, num: float64(t)}
	case int:
		return Value{kind: KindNumber, num: float64(t)}
	case int32:
		return Value{kind: KindNumber, num: float64(t)}
	case int64:
		return Value{kind: KindNumber, num: float64(t)}
	case uint:
		return Value{kind: KindNumber, num: float64(t)}
	case uint32:
		return Value{kind: KindNumber, num: float64(t)}
	case uint64:
		return Value{kind: KindNumber, num: float64(t)}
	}
	return Value{kind: KindNative, native: x}
}

func decodeValue(raw json.RawMessage) (Value, error) {
	switch firstByte(raw) {
	case 0:
		return Value{}, fmt.Errorf("%w: empty value", ErrParse)
	case 'n':
		return Value{kind: KindNull}, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return Value{kind: KindString, str: s}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return Value{kind: KindBool, b: b}, nil
	case '{', '[':
		if !json.Valid(raw) {
			return Value{}, fmt.Errorf("%w: invalid structured value", ErrParse)
		}
		return Value{kind: KindObject, raw: append(json.RawMessage(nil), raw...)}, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Value{kind: KindNumber, num: n}, nil
}

func firstByte(data []byte) byte {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

// Params is the params (or result) union: one value or a list of values.
type Params struct {
	many   bool
	values []Value
}

// Result shares the representation of Params.
type Result = Params

// NewSingleParams wraps one value.
func NewSingleParams(v interface{}) *Params {
	return &Params{values: []Value{ValueOf(v)}}
}

// NewManyParams wraps a list of values.
func NewManyParams(vs ...interface{}) *Params {
	p := &Params{many: true, values: make([]Value, 0, len(vs))}
	for _, v := range vs {
		p.values = append(p.values, ValueOf(v))
	}
	return p
}

// NewParams converts a Go value for outbound use. nil means absent params,
// slices and arrays become "many", anything else "single".
func NewParams(v interface{}) *Params {
	switch t := v.(type) {
	case nil:
		return nil
	case *Params:
		return t
	case json.RawMessage:
		p, err := ParseParams(t)
		if err != nil {
			return NewSingleParams(t)
		}
		return p
	case []byte:
		return NewSingleParams(t)
	}
	if items, ok := sliceItems(v); ok {
		return NewManyParams(items...)
	}
	return NewSingleParams(v)
}

// NewResult converts a handler return value into a Result:
// nil becomes {}, a string becomes {"text": s}, slices become "many" and
// everything else is carried as its own JSON projection.
func NewResult(v interface{}) *Result {
	switch t := v.(type) {
	case nil:
		return &Result{values: []Value{{kind: KindObject, raw: json.RawMessage("{}")}}}
	case *Result:
		if t == nil {
			return NewResult(nil)
		}
		return t
	case string:
		return NewSingleParams(struct {
			Text string `json:"text"`
		}{Text: t})
	case json.RawMessage, []byte:
		return NewParams(t)
	}
	if rv := reflect.ValueOf(v); (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Map) && rv.IsNil() {
		return NewResult(nil)
	}
	if items, ok := sliceItems(v); ok {
		return NewManyParams(items...)
	}
	return NewSingleParams(v)
}

func sliceItems(v interface{}) ([]interface{}, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return []interface{}{}, true
	}
	items := make([]interface{}, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// ParseParams decodes wire params. Arrays decode as "many" with each element
// typed independently; every other value decodes as "single".
func ParseParams(raw json.RawMessage) (*Params, error) {
	if firstByte(raw) != '[' {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		return &Params{values: []Value{v}}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	p := &Params{many: true, values: make([]Value, 0, len(items))}
	for _, item := range items {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		p.values = append(p.values, v)
	}
	return p, nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	parsed, err := ParseParams(data)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// MarshalJSON applies the wire policy: a single object is written bare, a
// single non-object is wrapped in a one-element array, "many" is an array.
func (p *Params) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	if !p.many && len(p.values) == 1 && p.values[0].isObject() {
		return p.values[0].MarshalJSON()
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range p.values {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (p *Params) IsMany() bool { return p != nil && p.many }

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.values)
}

// Elements returns a copy of the values.
func (p *Params) Elements() []Value {
	if p == nil {
		return nil
	}
	return append([]Value(nil), p.values...)
}

// Single returns the value of a "single" union.
func (p *Params) Single() (Value, bool) {
	if p == nil || p.many || len(p.values) != 1 {
		return Value{}, false
	}
	return p.values[0], true
}

// IsEmptyOrAbsent is true for absent params and for null, {} and [].
func (p *Params) IsEmptyOrAbsent() bool {
	if p == nil || len(p.values) == 0 {
		return true
	}
	if len(p.values) == 1 && !p.many {
		return p.values[0].isEmpty()
	}
	return false
}

var errNotPointer = errors.New("decode target must be a non-nil pointer")

// As decodes the semantic value into target. A one-element "many" decodes its
// sole element when the target can not hold the list itself, so a single
// primitive survives the bracket normalization of the wire.
func (p *Params) As(target interface{}) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errNotPointer
	}
	if p == nil || len(p.values) == 0 && !p.many {
		return nil
	}
	if !p.many {
		return p.values[0].Decode(target)
	}
	if len(p.values) == 1 && rv.Elem().Kind() == reflect.Interface {
		return p.values[0].Decode(target)
	}
	data, err := p.MarshalJSON()
	if err != nil {
		return err
	}
	wholeErr := json.Unmarshal(data, target)
	if wholeErr == nil || len(p.values) != 1 {
		return wholeErr
	}
	return p.values[0].Decode(target)
}

// DecodeList decodes every element into T.
func DecodeList[T any](p *Params) ([]T, error) {
	if p == nil {
		return nil, nil
	}
	out := make([]T, 0, len(p.values))
	for i, v := range p.values {
		var item T
		if err := v.Decode(&item); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, item)
	}
	return out, nil
}
