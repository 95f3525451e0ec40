package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind identifies the runtime type of a Value.
type ValueKind int

const (
	KindNumber ValueKind = iota + 1
	KindString
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is a handler output field. Handlers may only produce numbers,
// strings and booleans; anything richer has no stable cross-node encoding.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
}

func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Boolean(b bool) Value   { return Value{Kind: KindBool, Bool: b} }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	}
	return false
}

// MarshalJSON emits the bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return nil, fmt.Errorf("contracts: cannot marshal value of kind %d", v.Kind)
	}
}

// UnmarshalJSON accepts a bare JSON scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("contracts: non-finite number %q: %w", t.String(), err)
		}
		*v = Number(f)
	case string:
		*v = String(t)
	case bool:
		*v = Boolean(t)
	default:
		return fmt.Errorf("contracts: unsupported value type %T", raw)
	}
	return nil
}
