package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CondOp is a comparison operator of a guard condition.
type CondOp string

const (
	OpEq      CondOp = "eq"
	OpNe      CondOp = "ne"
	OpGt      CondOp = "gt"
	OpGe      CondOp = "ge"
	OpLt      CondOp = "lt"
	OpLe      CondOp = "le"
	OpLike    CondOp = "like"
	OpNotLike CondOp = "not_like"
	OpIn      CondOp = "in"
	OpNotIn   CondOp = "not_in"
)

// Cond compares the variable Field against Value.
type Cond struct {
	Field string `json:"field" validate:"required"`
	Op    CondOp `json:"op"    validate:"required,oneof=eq ne gt ge lt le like not_like in not_in"`
	Value any    `json:"value"`
}

// Match evaluates the condition against vars. A missing field never matches.
func (c Cond) Match(vars map[string]any) bool {
	field, ok := vars[c.Field]
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return valuesEqual(field, c.Value)
	case OpNe:
		return !valuesEqual(field, c.Value)
	case OpGt, OpGe, OpLt, OpLe:
		left, lok := toFloat(field)
		right, rok := toFloat(c.Value)

		if !lok || !rok {
			return false
		}

		return compareOrdered(c.Op, left, right)
	case OpLike:
		return strings.Contains(toString(field), toString(c.Value))
	case OpNotLike:
		return !strings.Contains(toString(field), toString(c.Value))
	case OpIn:
		return contains(field, c.Value)
	case OpNotIn:
		return !contains(field, c.Value)
	default:
		return false
	}
}

// MatchAny evaluates an OR of AND groups. No groups means no restriction.
func MatchAny(groups [][]Cond, vars map[string]any) bool {
	if len(groups) == 0 {
		return true
	}

	for _, group := range groups {
		if matchAll(group, vars) {
			return true
		}
	}

	return false
}

func matchAll(group []Cond, vars map[string]any) bool {
	for _, cond := range group {
		if !cond.Match(vars) {
			return false
		}
	}

	return true
}

// FrontRelation is the operator of a front condition.
type FrontRelation string

const (
	RelEq      FrontRelation = "="
	RelNe      FrontRelation = "!="
	RelGt      FrontRelation = ">"
	RelGe      FrontRelation = ">="
	RelLt      FrontRelation = "<"
	RelLe      FrontRelation = "<="
	RelLike    FrontRelation = "like"
	RelNotLike FrontRelation = "not_like"
	RelIn      FrontRelation = "in"
	RelNotIn   FrontRelation = "not_in"
	RelBetween FrontRelation = "between"
)

// RightKind selects where the right-hand value of a front condition comes from.
type RightKind string

const (
	RightSelectField   RightKind = "select_field"
	RightChangeContent RightKind = "change_content"
	RightRealTime      RightKind = "real_time"
)

// FrontCond gates an automatic transition on the instance variables.
type FrontCond struct {
	Relation    FrontRelation `json:"relation"               validate:"required"`
	LeftField   string        `json:"left_field"             validate:"required"`
	RightKind   RightKind     `json:"right_kind"             validate:"required,oneof=select_field change_content real_time"`
	SelectField string        `json:"select_field,omitempty"`
	Content     any           `json:"content,omitempty"`
}

// Check evaluates the condition. Empty or null left values never match.
func (f FrontCond) Check(vars map[string]any, now time.Time) bool {
	raw, ok := vars[f.LeftField]
	if !ok || raw == nil {
		return false
	}

	left := toString(raw)
	if left == "" || left == "null" {
		return false
	}

	var right any

	switch f.RightKind {
	case RightSelectField:
		right = vars[f.SelectField]
	case RightChangeContent:
		right = f.Content
	case RightRealTime:
		right = now.UTC().Format(time.RFC3339)
	}

	switch f.Relation {
	case RelEq:
		return compareStrings(left, toString(right)) == 0
	case RelNe:
		return compareStrings(left, toString(right)) != 0
	case RelGt:
		return compareStrings(left, toString(right)) > 0
	case RelGe:
		return compareStrings(left, toString(right)) >= 0
	case RelLt:
		return compareStrings(left, toString(right)) < 0
	case RelLe:
		return compareStrings(left, toString(right)) <= 0
	case RelLike:
		return strings.Contains(left, toString(right))
	case RelNotLike:
		return !strings.Contains(left, toString(right))
	case RelIn:
		return slices.Contains(stringList(right), left)
	case RelNotIn:
		return !slices.Contains(stringList(right), left)
	case RelBetween:
		bounds := stringList(right)
		if len(bounds) != 2 {
			return false
		}

		return compareStrings(left, bounds[0]) >= 0 && compareStrings(left, bounds[1]) <= 0
	default:
		return false
	}
}

// FrontCondsHold reports whether every condition holds. No conditions always hold.
func FrontCondsHold(conds []FrontCond, vars map[string]any, now time.Time) bool {
	for _, cond := range conds {
		if !cond.Check(vars, now) {
			return false
		}
	}

	return true
}

// compareStrings orders numerically when both sides are numbers, lexically otherwise.
func compareStrings(left, right string) int {
	lf, lerr := strconv.ParseFloat(left, 64)
	rf, rerr := strconv.ParseFloat(right, 64)

	if lerr == nil && rerr == nil {
		switch {
		case lf < rf:
			return -1
		case lf > rf:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(left, right)
}

func compareOrdered(op CondOp, left, right float64) bool {
	switch op {
	case OpGt:
		return left > right
	case OpGe:
		return left >= right
	case OpLt:
		return left < right
	case OpLe:
		return left <= right
	default:
		return false
	}
}

func valuesEqual(left, right any) bool {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)

	if lok && rok {
		return lf == rf
	}

	return reflect.DeepEqual(left, right) || toString(left) == toString(right)
}

// contains reports membership of value in field when field is a list,
// or of field in value when value is a list.
func contains(field, value any) bool {
	if items, ok := toList(field); ok {
		return slices.ContainsFunc(items, func(item any) bool { return valuesEqual(item, value) })
	}

	if items, ok := toList(value); ok {
		return slices.ContainsFunc(items, func(item any) bool { return valuesEqual(item, field) })
	}

	return false
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}

		return out, true
	default:
		return nil, false
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, toString(item))
		}

		return out
	default:
		parts := strings.Split(toString(v), ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		return parts
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
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

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case fmt.Stringer:
		return s.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(encoded)
	}
}

// Number converts a decoded JSON or native numeric value to float64.
func Number(v any) (float64, bool) {
	return toFloat(v)
}
