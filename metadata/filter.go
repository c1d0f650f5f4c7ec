package metadata

import (
	"encoding/json"
	"fmt"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEqual        Operator = "$eq"
	OpNotEqual     Operator = "$ne"
	OpIn           Operator = "$in"
	OpGreaterThan  Operator = "$gt"
	OpGreaterEqual Operator = "$gte"
	OpLessThan     Operator = "$lt"
	OpLessEqual    Operator = "$lte"
	OpExists       Operator = "$exists"
)

// Condition is one field comparison.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// Filter is a conjunction of conditions. The zero value matches everything.
type Filter struct {
	Conditions []Condition
}

// ParseFilter parses the wire filter shape:
//
//	{field: scalar
//	      | {"$eq": scalar} | {"$ne": scalar}
//	      | {"$in": [scalar...]}
//	      | {"$gt"|"$gte"|"$lt"|"$lte": number}
//	      | {"$exists": bool}}
//
// Multiple fields and multiple operators per field are an implicit AND.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	if len(raw) == 0 {
		return &Filter{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("filter must be a JSON object: %w", err)
	}

	f := &Filter{}
	for field, spec := range obj {
		ops, ok := spec.(map[string]any)
		if !ok {
			// Bare scalar is shorthand for $eq.
			f.Conditions = append(f.Conditions, Condition{Field: field, Operator: OpEqual, Value: spec})
			continue
		}
		for op, value := range ops {
			cond := Condition{Field: field, Operator: Operator(op), Value: value}
			if err := cond.validate(); err != nil {
				return nil, err
			}
			f.Conditions = append(f.Conditions, cond)
		}
	}
	return f, nil
}

func (c *Condition) validate() error {
	switch c.Operator {
	case OpEqual, OpNotEqual:
		return nil
	case OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("filter %s.%s wants an array", c.Field, c.Operator)
		}
		return nil
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("filter %s.%s wants a number", c.Field, c.Operator)
		}
		return nil
	case OpExists:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("filter %s.%s wants a boolean", c.Field, c.Operator)
		}
		return nil
	default:
		return fmt.Errorf("unknown filter operator %q", c.Operator)
	}
}

// Empty reports whether the filter has no conditions.
func (f *Filter) Empty() bool { return f == nil || len(f.Conditions) == 0 }

// Matches checks whether doc satisfies every condition. A field absent from
// doc never matches, except for {"$exists": false}.
func (f *Filter) Matches(doc Document) bool {
	if f.Empty() {
		return true
	}
	for _, cond := range f.Conditions {
		if !cond.matches(doc) {
			return false
		}
	}
	return true
}

func (c *Condition) matches(doc Document) bool {
	value, exists := doc[c.Field]

	if c.Operator == OpExists {
		return exists == c.Value.(bool)
	}
	if !exists {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return scalarEqual(value, c.Value)
	case OpNotEqual:
		return !scalarEqual(value, c.Value)
	case OpIn:
		for _, candidate := range c.Value.([]any) {
			if scalarEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpGreaterThan:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a > b })
	case OpGreaterEqual:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a >= b })
	case OpLessThan:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a < b })
	case OpLessEqual:
		return compareNumeric(value, c.Value, func(a, b float64) bool { return a <= b })
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	return a == b
}

func compareNumeric(value, bound any, cmp func(a, b float64) bool) bool {
	v, ok := toNumber(value)
	if !ok {
		return false
	}
	b, ok := toNumber(bound)
	if !ok {
		return false
	}
	return cmp(v, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
