package model

import (
	"encoding/json"
	"strconv"
)

// ClaimValueType tags the type a claim's string value encodes.
type ClaimValueType string

const (
	ClaimValueTypeString    ClaimValueType = "string"
	ClaimValueTypeInteger   ClaimValueType = "integer"
	ClaimValueTypeInteger64 ClaimValueType = "integer64"
	ClaimValueTypeBoolean   ClaimValueType = "boolean"
	ClaimValueTypeJSON      ClaimValueType = "json"
)

// Claim is a single statement about a subject. Values are always carried as
// strings, ValueType says how to interpret them when serializing.
type Claim struct {
	Type      string         `json:"type"`
	Value     string         `json:"value"`
	ValueType ClaimValueType `json:"valueType,omitzero"`
}

// NewClaim returns a string valued claim.
func NewClaim(typ, value string) Claim {
	return Claim{Type: typ, Value: value, ValueType: ClaimValueTypeString}
}

// FindClaimValue returns the first value for typ, or an empty string.
func FindClaimValue(claims []Claim, typ string) string {
	for _, c := range claims {
		if c.Type == typ {
			return c.Value
		}
	}
	return ""
}

// FindClaimValues returns all values for typ.
func FindClaimValues(claims []Claim, typ string) []string {
	var vals []string
	for _, c := range claims {
		if c.Type == typ {
			vals = append(vals, c.Value)
		}
	}
	return vals
}

// ClaimValue is the typed value of a claim. It is one of StringValue,
// IntegerValue, LongValue, BoolValue or JSONValue.
type ClaimValue interface {
	// Native returns the value in the form encoding/json produces and
	// consumes: string, int32, int64, bool, or a decoded JSON value.
	Native() any
	isClaimValue()
}

type (
	StringValue  string
	IntegerValue int32
	LongValue    int64
	BoolValue    bool
	// JSONValue holds a decoded JSON object or array.
	JSONValue struct{ V any }
)

func (v StringValue) Native() any  { return string(v) }
func (v IntegerValue) Native() any { return int32(v) }
func (v LongValue) Native() any    { return int64(v) }
func (v BoolValue) Native() any    { return bool(v) }
func (v JSONValue) Native() any    { return v.V }

func (StringValue) isClaimValue()  {}
func (IntegerValue) isClaimValue() {}
func (LongValue) isClaimValue()    {}
func (BoolValue) isClaimValue()    {}
func (JSONValue) isClaimValue()    {}

// ConvertClaimValue converts raw according to the value type tag. Values that
// do not parse as the tagged type fall back to StringValue.
func ConvertClaimValue(typ ClaimValueType, raw string) ClaimValue {
	switch typ {
	case ClaimValueTypeInteger:
		if i, err := strconv.ParseInt(raw, 10, 32); err == nil {
			return IntegerValue(i)
		}
	case ClaimValueTypeInteger64:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return LongValue(i)
		}
	case ClaimValueTypeBoolean:
		if b, err := strconv.ParseBool(raw); err == nil {
			return BoolValue(b)
		}
	case ClaimValueTypeJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			switch v.(type) {
			case map[string]any, []any:
				return JSONValue{V: v}
			}
		}
	}
	return StringValue(raw)
}

// Typed returns the claim's typed value.
func (c Claim) Typed() ClaimValue {
	return ConvertClaimValue(c.ValueType, c.Value)
}

// ClaimsToMap folds claims into a JSON-style map. A claim type that occurs
// once maps to its value, repeated types map to a []any of values.
func ClaimsToMap(claims []Claim) map[string]any {
	m := make(map[string]any)
	counts := make(map[string]int)
	for _, c := range claims {
		counts[c.Type]++
	}
	for _, c := range claims {
		v := c.Typed().Native()
		if counts[c.Type] == 1 {
			m[c.Type] = v
			continue
		}
		arr, _ := m[c.Type].([]any)
		m[c.Type] = append(arr, v)
	}
	return m
}
