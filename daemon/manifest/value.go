package manifest

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ValueKind tags a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindList
	KindMap
)

// Value is the tagged type carried between the untyped orchestrator data and
// the typed wasm call boundary. It replaces passing raw JSON trees around:
// coercion to and from wasm values is explicit and keyed on the endpoint
// schema.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value             { return Value{kind: KindNull} }
func Int(v int64) Value       { return Value{kind: KindInt, i: v} }
func Float(v float64) Value   { return Value{kind: KindFloat, f: v} }
func String(v string) Value   { return Value{kind: KindString, s: v} }
func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }
func List(vs ...Value) Value  { return Value{kind: KindList, list: vs} }
func StringList(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// Map builds a map value. The input is not copied.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Int64 returns the integer payload. Valid for KindInt only.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the numeric payload of an int or float value.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Str() string        { return v.s }
func (v Value) Items() []Value     { return v.list }
func (v Value) Fields() map[string]Value { return v.m }

// Strings flattens a list of strings. Non-string items are skipped.
func (v Value) Strings() []string {
	out := make([]string, 0, len(v.list))
	for _, item := range v.list {
		if item.kind == KindString {
			out = append(out, item.s)
		}
	}
	return out
}

// MarshalJSON renders the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	}
	return nil, errors.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON parses plain JSON into the tagged form. Numbers written as
// integer literals that fit in an int64 become integers; all other numbers
// (including 1.0 or 1e3) become floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case float64:
		if float64(int64(t)) == t {
			return Int(int64(t))
		}
		return Float(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromAny(item)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = fromAny(item)
		}
		return Map(m)
	}
	return Null()
}

// FromJSON parses a JSON document into a Value.
func FromJSON(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}
