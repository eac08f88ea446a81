package expr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceColumns(t *testing.T) {
	token := MustParse("coalesce(price, 0) * qty + CASE WHEN discount IS NULL THEN 0 ELSE discount END")

	replaced := ReplaceColumns(token, func(name string) string { return "o." + name })

	assert.Equal(t,
		"(coalesce(o.price, 0) * o.qty + CASE WHEN o.discount IS NULL THEN 0 ELSE o.discount END)",
		replaced.String())
	// the original is untouched
	assert.Equal(t, []string{"price", "qty", "discount"}, Columns(token))
}

func TestColumns(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"a + b * a", []string{"a", "b"}},
		{"count(*)", nil},
		{"lower(name)::text", []string{"name"}},
		{"(x AT TIME ZONE 'UTC')", []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Columns(MustParse(tt.input)))
		})
	}
}

func TestIsAggregate(t *testing.T) {
	assert.True(t, IsAggregate(MustParse("count(*)")))
	assert.True(t, IsAggregate(MustParse("coalesce(sum(amount), 0)")))
	assert.True(t, IsAggregate(MustParse("CASE WHEN max(a) > 1 THEN 1 END")))
	assert.False(t, IsAggregate(MustParse("lower(name)")))
	assert.False(t, IsAggregate(MustParse("a + 1")))
}

func TestCollapseAggregates(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Token
	}{
		{"count all", "count(*)", Scalar(1)},
		{
			"count column",
			"count(x)",
			Case([]CaseBranch{{When: Group(Column("x"), IsNull(false)), Then: Scalar(1)}}, Scalar(0)),
		},
		{"sum", "sum(amount)", Column("amount")},
		{"nested in expression", "coalesce(max(a), 0)", Func("coalesce", Column("a"), Scalar(0))},
		{
			"aggregate of aggregate argument",
			"sum(a + b) / count(*)",
			Group(Group(Column("a"), Op(OpPlus), Column("b")), Op(OpDivide), Scalar(1)),
		},
		{"non aggregate untouched", "lower(name)", Func("lower", Column("name"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CollapseAggregates(MustParse(tt.input)))
		})
	}
}

func TestCollapseAggregates_CountRendersAsCase(t *testing.T) {
	collapsed := CollapseAggregates(MustParse("count(x)"))
	assert.Equal(t, "CASE WHEN x IS NOT NULL THEN 1 ELSE 0 END", collapsed.String())
}

func TestRenderSQL(t *testing.T) {
	columns := map[string]string{
		"price": `"t"."price"`,
		"qty":   `"t"."quantity"`,
	}
	resolve := func(name string) (string, bool) {
		sql, ok := columns[name]
		return sql, ok
	}

	sql, err := RenderSQL(MustParse("round(price * qty, 2)"), resolve)
	require.NoError(t, err)
	assert.Equal(t, `round("t"."price" * "t"."quantity", 2)`, sql)

	_, err = RenderSQL(MustParse("price + missing"), resolve)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing"))
}
