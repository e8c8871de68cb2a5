package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractIndexHints(t *testing.T) {
	cond, err := ParseCondition([]byte(`{
		"operator": "AND",
		"children": [
			{"operator": "=", "column": "status", "value": "active"},
			{"operator": ">=", "column": "score", "value": "90"},
			{"operator": "LIKE", "column": "name", "value": "alice%"}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, cond)

	hints := cond.ExtractIndexHints()
	require.Len(t, hints, 3)

	byCol := make(map[string]IndexHint, len(hints))
	for _, h := range hints {
		byCol[h.Column] = h
	}

	require.Equal(t, OpEq, byCol["status"].Op)
	require.Equal(t, "active", byCol["status"].Value)

	require.Equal(t, OpGte, byCol["score"].Op)
	require.Equal(t, "90", byCol["score"].Value)

	require.Equal(t, OpLike, byCol["name"].Op)
	require.Equal(t, "alice", byCol["name"].Value)
}

func TestExtractIndexHintsSkipsWildcardPrefixLike(t *testing.T) {
	cond, err := ParseCondition([]byte(`{"operator": "LIKE", "column": "name", "value": "%smith"}`))
	require.NoError(t, err)

	hints := cond.ExtractIndexHints()
	require.Empty(t, hints)
}

func TestCompareOrderedNumeric(t *testing.T) {
	c := &Condition{Operator: OpGte, Column: "score", Value: "90"}
	c.resolveTargets()

	require.True(t, c.evaluateLeaf("95"))
	require.False(t, c.evaluateLeaf("9"))
}

func TestEvaluateIn(t *testing.T) {
	cond, err := ParseCondition([]byte(`{"operator": "IN", "column": "category", "value": ["a", "b", "c"]}`))
	require.NoError(t, err)

	require.True(t, cond.Evaluate(map[string]string{"category": "b"}))
	require.False(t, cond.Evaluate(map[string]string{"category": "z"}))
}
