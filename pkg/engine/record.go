package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"time"
)

// Record is one stored entity instance: a nonzero numeric id plus property
// values keyed by numeric property id. The property schema (which id means
// which field) is owned by the caller's binding, not by the engine.
type Record struct {
	ID    uint64
	Props map[int]any
}

// Clone deep-copies the record so cached copies cannot be mutated by callers.
func (r Record) Clone() Record {
	props := make(map[int]any, len(r.Props))
	for k, v := range r.Props {
		switch val := v.(type) {
		case []byte:
			props[k] = bytes.Clone(val)
		case []int64:
			cp := make([]int64, len(val))
			copy(cp, val)
			props[k] = cp
		case []string:
			cp := make([]string, len(val))
			copy(cp, val)
			props[k] = cp
		default:
			props[k] = v
		}
	}
	return Record{ID: r.ID, Props: props}
}

func init() {
	// Property values travel through gob as interface values; every concrete
	// type an application may store must be registered up front.
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register([]int64(nil))
	gob.Register([]string(nil))
	gob.Register(time.Time{})
}

func encodeProps(props map[int]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(props); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return buf.Bytes(), nil
}

func decodeProps(data []byte) (map[int]any, error) {
	var props map[int]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&props); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return props, nil
}

// Op is a comparison operator inside a compiled query condition.
type Op int

const (
	OpEq Op = iota
	OpNotEq
	OpGt
	OpLt
	OpBetween
	OpIn
	OpContains
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNotEq:
		return "!="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpBetween:
		return "between"
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Condition is one predicate of a compiled query. Value2 is only used by
// OpBetween (upper bound). Alias optionally names the condition so its value
// can be rebound later without knowing the property id.
type Condition struct {
	PropertyID int
	Op         Op
	Value      any
	Value2     any
	Alias      string
}

// ParamRef addresses a rebindable condition either by property id or by the
// alias given at compile time. Alias wins when both are set.
type ParamRef struct {
	PropertyID int
	Alias      string
}

func (p ParamRef) matches(c Condition) bool {
	if p.Alias != "" {
		return c.Alias == p.Alias
	}
	return c.PropertyID == p.PropertyID
}

// normalize widens stored and compared numeric values so conditions written
// with plain ints match properties stored as int64, and so on.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UnixMilli()
	default:
		return v
	}
}

// compare returns -1/0/+1 for ordered values, or an error when the two
// values are not comparable.
func compare(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, bv), nil
		case float64:
			return cmpOrdered(float64(av), bv), nil
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, float64(bv)), nil
		case float64:
			return cmpOrdered(av, bv), nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidData, a, b)
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// eval reports whether a record satisfies one condition. A missing property
// never matches (mirrors "nothing known about this record" semantics).
func (c Condition) eval(rec Record) (bool, error) {
	have, ok := rec.Props[c.PropertyID]
	if !ok {
		return false, nil
	}
	switch c.Op {
	case OpEq, OpNotEq, OpGt, OpLt:
		n, err := compare(have, c.Value)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case OpEq:
			return n == 0, nil
		case OpNotEq:
			return n != 0, nil
		case OpGt:
			return n > 0, nil
		default:
			return n < 0, nil
		}
	case OpBetween:
		lo, err := compare(have, c.Value)
		if err != nil {
			return false, err
		}
		hi, err := compare(have, c.Value2)
		if err != nil {
			return false, err
		}
		return lo >= 0 && hi <= 0, nil
	case OpIn:
		switch vals := normalize(c.Value).(type) {
		case []int64:
			for _, v := range vals {
				if n, err := compare(have, v); err == nil && n == 0 {
					return true, nil
				}
			}
			return false, nil
		case []string:
			for _, v := range vals {
				if n, err := compare(have, v); err == nil && n == 0 {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("%w: OpIn needs []int64 or []string, got %T", ErrInvalidData, c.Value)
		}
	case OpContains:
		hs, ok := have.(string)
		if !ok {
			return false, nil
		}
		ns, ok := normalize(c.Value).(string)
		if !ok {
			return false, fmt.Errorf("%w: OpContains needs a string value, got %T", ErrInvalidData, c.Value)
		}
		return strings.Contains(hs, ns), nil
	}
	return false, fmt.Errorf("%w: unknown operator %v", ErrInvalidData, c.Op)
}
