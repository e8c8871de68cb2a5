package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FilterOp defines comparison operators.
type FilterOp string

const (
	OpEq        FilterOp = "="
	OpNeq       FilterOp = "!="
	OpGt        FilterOp = ">"
	OpLt        FilterOp = "<"
	OpGte       FilterOp = ">="
	OpLte       FilterOp = "<="
	OpLike      FilterOp = "LIKE"
	OpIsNull    FilterOp = "IS NULL"
	OpIsNotNull FilterOp = "IS NOT NULL"
	OpIn        FilterOp = "IN"
)

// Condition is a single node in the predicate tree: a leaf (Column op
// Value) or an AND/OR combinator over Children.
type Condition struct {
	Operator FilterOp    `json:"operator"`
	Column   string      `json:"column,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Children []Condition `json:"children,omitempty"`

	resolvedTarget string
	resolvedColIdx int
	likePattern    *regexp.Regexp
	likePrefix     string
	inSet          map[string]struct{}
	inValues       []string
}

// resolveTargets pre-computes string targets, the IN membership set, and
// the LIKE pattern for faster evaluation.
func (c *Condition) resolveTargets() {
	if c.Value != nil {
		c.resolvedTarget = fmt.Sprintf("%v", c.Value)
	}

	switch c.Operator {
	case OpIn:
		c.inValues = toStringSlice(c.Value)
		c.inSet = make(map[string]struct{}, len(c.inValues))
		for _, v := range c.inValues {
			c.inSet[v] = struct{}{}
		}
	case OpLike:
		c.likePattern = compileLike(c.resolvedTarget)
		c.likePrefix = likeLiteralPrefix(c.resolvedTarget)
	}

	for i := range c.Children {
		c.Children[i].resolveTargets()
	}
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case []string:
		return vv
	case string:
		parts := strings.Split(vv, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return nil
	}
}

// compileLike translates a SQL LIKE pattern ('%' = any run, '_' = one byte)
// into an anchored, case-sensitive regexp.
func compileLike(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

// likeLiteralPrefix returns the literal bytes before the first wildcard in
// a LIKE pattern, usable as an index range-scan lower bound.
func likeLiteralPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "%_")
	if idx == -1 {
		return pattern
	}
	return pattern[:idx]
}

// Evaluate checks whether row (column name -> value) matches the condition
// tree.
func (c *Condition) Evaluate(row map[string]string) bool {
	switch c.Operator {
	case "AND":
		for i := range c.Children {
			if !c.Children[i].Evaluate(row) {
				return false
			}
		}
		return true
	case "OR":
		for i := range c.Children {
			if c.Children[i].Evaluate(row) {
				return true
			}
		}
		return false
	}

	val, exists := row[c.Column]

	switch c.Operator {
	case OpIsNull:
		return !exists || val == "" || val == "NULL"
	case OpIsNotNull:
		return exists && val != "" && val != "NULL"
	}

	if !exists {
		return false
	}

	return c.evaluateLeaf(val)
}

// EvaluateFast is Evaluate using a pre-resolved column index into cols,
// avoiding the map lookup. ResolveColumns must run first.
func (c *Condition) EvaluateFast(cols []string) bool {
	switch c.Operator {
	case "AND":
		for i := range c.Children {
			if !c.Children[i].EvaluateFast(cols) {
				return false
			}
		}
		return true
	case "OR":
		for i := range c.Children {
			if c.Children[i].EvaluateFast(cols) {
				return true
			}
		}
		return false
	}

	idx := c.resolvedColIdx
	var val string
	exists := idx >= 0 && idx < len(cols)
	if exists {
		val = cols[idx]
	}

	switch c.Operator {
	case OpIsNull:
		return !exists || val == "" || val == "NULL"
	case OpIsNotNull:
		return exists && val != "" && val != "NULL"
	}

	if !exists {
		return false
	}

	return c.evaluateLeaf(val)
}

// evaluateLeaf applies a non-null, non-IS-NULL leaf operator to val.
// Comparisons (<, <=, >, >=) compare numerically when both sides parse as
// decimal numbers, otherwise fall back to byte-wise lexicographic order.
// LIKE is SQL-style ('%'/'_'), byte-wise and case-sensitive.
func (c *Condition) evaluateLeaf(val string) bool {
	target := c.resolvedTarget

	switch c.Operator {
	case OpEq:
		return val == target
	case OpNeq:
		return val != target
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(val, target, c.Operator)
	case OpLike:
		if c.likePattern == nil {
			return false
		}
		return c.likePattern.MatchString(val)
	case OpIn:
		_, ok := c.inSet[val]
		return ok
	}

	return false
}

func compareOrdered(val, target string, op FilterOp) bool {
	vf, vErr := strconv.ParseFloat(val, 64)
	tf, tErr := strconv.ParseFloat(target, 64)

	if vErr == nil && tErr == nil {
		switch op {
		case OpGt:
			return vf > tf
		case OpLt:
			return vf < tf
		case OpGte:
			return vf >= tf
		case OpLte:
			return vf <= tf
		}
	}

	switch op {
	case OpGt:
		return val > target
	case OpLt:
		return val < target
	case OpGte:
		return val >= target
	case OpLte:
		return val <= target
	}
	return false
}

// ResolveColumns pre-maps column names to integer indices for EvaluateFast.
func (c *Condition) ResolveColumns(headers map[string]int) {
	c.resolvedColIdx = -1
	if c.Column != "" {
		if idx, ok := headers[c.Column]; ok {
			c.resolvedColIdx = idx
		} else if idx, ok := headers[strings.ToLower(c.Column)]; ok {
			c.resolvedColIdx = idx
		}
	}
	for i := range c.Children {
		c.Children[i].ResolveColumns(headers)
	}
}

// ExtractIndexConditions returns all top-level equality conditions, used to
// decide whether the chosen index covers every condition of the query.
func (c *Condition) ExtractIndexConditions() map[string]string {
	res := make(map[string]string)
	switch c.Operator {
	case "AND":
		for _, child := range c.Children {
			if child.Operator == OpEq {
				res[child.Column] = fmt.Sprintf("%v", child.Value)
			}
		}
	case OpEq:
		res[c.Column] = fmt.Sprintf("%v", c.Value)
	}
	return res
}

// IndexHint describes a top-level leaf condition usable to narrow an index
// scan: an exact key (Eq), a set of exact keys (In), a range bound
// (Gt/Gte/Lt/Lte), or a literal prefix (Like with no leading wildcard).
type IndexHint struct {
	Column string
	Op     FilterOp
	Value  string
	Values []string
}

// ExtractIndexHints walks the top-level AND conjuncts (or a single leaf)
// and returns every condition an index could help with: equality, IN,
// ordered comparisons, and LIKE patterns with a non-empty literal prefix.
func (c *Condition) ExtractIndexHints() []IndexHint {
	var leaves []Condition
	switch c.Operator {
	case "AND":
		leaves = c.Children
	default:
		leaves = []Condition{*c}
	}

	var hints []IndexHint
	for _, leaf := range leaves {
		switch leaf.Operator {
		case OpEq:
			hints = append(hints, IndexHint{Column: leaf.Column, Op: OpEq, Value: leaf.resolvedTarget})
		case OpIn:
			hints = append(hints, IndexHint{Column: leaf.Column, Op: OpIn, Values: leaf.inValues})
		case OpGt, OpGte, OpLt, OpLte:
			hints = append(hints, IndexHint{Column: leaf.Column, Op: leaf.Operator, Value: leaf.resolvedTarget})
		case OpLike:
			if leaf.likePrefix != "" {
				hints = append(hints, IndexHint{Column: leaf.Column, Op: OpLike, Value: leaf.likePrefix})
			}
		}
	}
	return hints
}

// ParseCondition parses a where payload into a Condition tree. Accepts
// either the full {"operator":...} structure or a flat {"col":"val",...}
// map, which is lowered to an AND of equalities.
func ParseCondition(data []byte) (*Condition, error) {
	if len(data) == 0 || string(data) == "{}" || string(data) == "[]" {
		return nil, nil
	}

	var simpleMap map[string]interface{}
	if err := json.Unmarshal(data, &simpleMap); err == nil && len(simpleMap) > 0 {
		if _, hasOp := simpleMap["operator"]; !hasOp {
			root := &Condition{
				Operator: "AND",
				Children: make([]Condition, 0, len(simpleMap)),
			}
			for col, val := range simpleMap {
				valStr := fmt.Sprintf("%v", val)
				root.Children = append(root.Children, Condition{
					Operator: OpEq,
					Column:   strings.ToLower(col),
					Value:    valStr,
				})
			}
			root.resolveTargets()
			return root, nil
		}
	}

	var complexCond Condition
	if err := json.Unmarshal(data, &complexCond); err == nil {
		if complexCond.Operator != "" {
			complexCond.resolveTargets()
			return &complexCond, nil
		}
	}

	return nil, fmt.Errorf("invalid where format")
}
