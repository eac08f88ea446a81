package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

func TestParse_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Token
	}{
		{
			name:     "count all fields",
			input:    "count(*)",
			expected: Func("count", AllFields()),
		},
		{
			name:     "parenthesized addition",
			input:    "(a + b)",
			expected: Group(Column("a"), Op(OpPlus), Column("b")),
		},
		{
			name:     "cast with time zone",
			input:    "(now()::date AT TIME ZONE 'UTC')",
			expected: Group(Cast(Func("now"), "date"), AtTimeZone("UTC")),
		},
		{
			name:  "case with else",
			input: "(CASE WHEN a > 0 AND b < 10 THEN 10 ELSE 5 END)",
			expected: Case([]CaseBranch{{
				When: Group(Column("a"), Op(OpGreater), Scalar(0), Op(OpAnd), Column("b"), Op(OpLess), Scalar(10)),
				Then: Scalar(10),
			}}, Scalar(5)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, token)
		})
	}
}

func TestParse_RedundantParentheses(t *testing.T) {
	sum := Group(Column("a"), Op(OpPlus), Column("b"))
	tests := []struct {
		name     string
		input    string
		expected Token
	}{
		{"doubled", "((a + b))", sum},
		{"tripled with spaces", "( ( (a + b) ) )", sum},
		{"function argument", "sum(((a + b)))", Func("sum", sum)},
		{"case condition", "CASE WHEN ((a > 1)) THEN 1 END", Case([]CaseBranch{{
			When: Group(Column("a"), Op(OpGreater), Scalar(1)),
			Then: Scalar(1),
		}}, nil)},
		{"nested operand", "x * ((a + b))", Group(Column("x"), Op(OpMultiply), Braces(Column("a"), Op(OpPlus), Column("b")))},
		{"single column", "((a))", Column("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, token)

			reparsed, err := Parse(token.String())
			require.NoError(t, err)
			assert.Equal(t, token, reparsed)
		})
	}
}

func TestParse_Tokens(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Token
	}{
		{"bare column", "price", Column("price")},
		{"quoted column", `"order total"`, Column("order total")},
		{"qualified column", "t.price", Column("t.price")},
		{"integer", "42", Scalar(42)},
		{"negative integer", "-42", Scalar(-42)},
		{"float", "2.5", Scalar(2.5)},
		{"string", "'active'", Scalar("active")},
		{"boolean", "TRUE", Scalar(true)},
		{"null", "NULL", Null()},
		{"interval", "INTERVAL '1 day'", Interval("1 day")},
		{"function with args", "coalesce(a, 0)", Func("coalesce", Column("a"), Scalar(0))},
		{"function with expression arg", "round(a * 100, 2)", Func("round", Group(Column("a"), Op(OpMultiply), Scalar(100)), Scalar(2))},
		{"upper-case function name", "SUM(amount)", Func("sum", Column("amount"))},
		{"nested function", "lower(trim(name))", Func("lower", Func("trim", Column("name")))},
		{"comma inside string arg", "concat(a, ', ', b)", Func("concat", Column("a"), Scalar(", "), Column("b"))},
		{"cast on literal", "'2024-01-01'::date", Cast(Scalar("2024-01-01"), "date")},
		{"chained casts", "a::text::varchar", Cast(Cast(Column("a"), "text"), "varchar")},
		{"is null", "a IS NULL", Group(Column("a"), IsNull(true))},
		{"is not null", "a is not null", Group(Column("a"), IsNull(false))},
		{"not prefix", "NOT active", Group(Op(OpNot), Column("active"))},
		{"binary minus", "a - 1", Group(Column("a"), Op(OpMinus), Scalar(1))},
		{"minus before negative", "a - -1", Group(Column("a"), Op(OpMinus), Scalar(-1))},
		{"multiply after operand", "a * b", Group(Column("a"), Op(OpMultiply), Column("b"))},
		{"two-char operators", "a >= 1 OR b <> 2", Group(Column("a"), Op(OpGreaterOrEqual), Scalar(1), Op(OpOr), Column("b"), Op(OpNotEqual), Scalar(2))},
		{"bang equals", "a != 1", Group(Column("a"), Op(OpNotEqual), Scalar(1))},
		{"concat operator", "a || b", Group(Column("a"), Op(OpConcat), Column("b"))},
		{"like", "name ILIKE 'a%'", Group(Column("name"), Op(OpILike), Scalar("a%"))},
		{
			"nested parentheses become braces",
			"(a + (b * c))",
			Group(Column("a"), Op(OpPlus), Braces(Column("b"), Op(OpMultiply), Column("c"))),
		},
		{"redundant inner parentheses", "(a + (b))", Group(Column("a"), Op(OpPlus), Column("b"))},
		{"cast on braces", "(a + b)::int", Cast(Braces(Column("a"), Op(OpPlus), Column("b")), "int")},
		{
			"interval arithmetic",
			"now() - INTERVAL '7 days'",
			Group(Func("now"), Op(OpMinus), Interval("7 days")),
		},
		{
			"nested case",
			"CASE WHEN a THEN CASE WHEN b THEN 1 END ELSE 2 END",
			Case([]CaseBranch{{
				When: Column("a"),
				Then: Case([]CaseBranch{{When: Column("b"), Then: Scalar(1)}}, nil),
			}}, Scalar(2)),
		},
		{
			"case with two branches",
			"CASE WHEN a = 1 THEN 'one' WHEN a = 2 THEN 'two' END",
			Case([]CaseBranch{
				{When: Group(Column("a"), Op(OpEqual), Scalar(1)), Then: Scalar("one")},
				{When: Group(Column("a"), Op(OpEqual), Scalar(2)), Then: Scalar("two")},
			}, nil),
		},
		{"column named like keyword prefix", "end_date", Column("end_date")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, token)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"bare wildcard", "*"},
		{"wildcard comparison", "* = *"},
		{"wildcard outside count", "sum(*)"},
		{"wildcard with other args", "count(*, a)"},
		{"unbalanced open", "(a + b"},
		{"unbalanced close", "a + b)"},
		{"mismatched brackets", "(a + b]"},
		{"unterminated string", "'abc"},
		{"unterminated identifier", `"abc`},
		{"unterminated interval", "INTERVAL '1 day"},
		{"interval without quote", "INTERVAL 1"},
		{"case without end", "CASE WHEN a THEN b"},
		{"case without when", "CASE ELSE 1 END"},
		{"simple case", "CASE a WHEN 1 THEN 2 END"},
		{"stray then", "a THEN b"},
		{"dangling operator", "a +"},
		{"leading binary operator", "= a"},
		{"missing operator", "a b"},
		{"lone operator", "+"},
		{"lone postfix", "IS NULL"},
		{"bad is", "a IS 1"},
		{"bad at time zone", "a AT ZONE 'UTC'"},
		{"unknown function", "pg_sleep(10)"},
		{"invalid number", "1.2.3"},
		{"number glued to identifier", "10abc"},
		{"missing cast type", "a::"},
		{"unknown operator", "a ! b"},
		{"empty group", "()"},
		{"empty argument", "coalesce(a, )"},
		{"injection in literal", "'1 UNION SELECT * FROM passwords'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidExpression), "error should match ErrInvalidExpression: %v", err)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.input, parseErr.Input)
		})
	}
}

func TestParseError_ReportsFragment(t *testing.T) {
	_, err := Parse("a + (b * c")

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 4, parseErr.Start)
	assert.Equal(t, "(b * c", parseErr.Fragment())
	assert.Contains(t, err.Error(), "unbalanced bracket")
	assert.Contains(t, err.Error(), "(b * c")
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("(a +") })
	assert.NotPanics(t, func() { MustParse("a + 1") })
}

func TestToken_String(t *testing.T) {
	tests := []struct {
		name     string
		token    Token
		expected string
	}{
		{"column", Column("a"), "a"},
		{"column needing quotes", Column("order total"), `"order total"`},
		{"reserved column", Column("end"), `"end"`},
		{"string", Scalar("x"), "'x'"},
		{"whole float", Scalar(3.0), "3.0"},
		{"bool", Scalar(false), "false"},
		{"function", Func("coalesce", Group(Column("a"), Op(OpPlus), Scalar(1)), Scalar(0)), "coalesce(a + 1, 0)"},
		{"group", Group(Column("a"), Op(OpNotEqual), Scalar(1)), "(a <> 1)"},
		{
			"case",
			Case([]CaseBranch{{When: Group(Column("a"), IsNull(false)), Then: Scalar(1)}}, Scalar(0)),
			"CASE WHEN a IS NOT NULL THEN 1 ELSE 0 END",
		},
		{"cast", Cast(Func("now"), "DATE"), "now()::date"},
		{"interval", Interval("1 day"), "INTERVAL '1 day'"},
		{"at time zone", Group(Column("ts"), AtTimeZone("UTC")), "(ts AT TIME ZONE 'UTC')"},
		{"count all", Func("count", AllFields()), "count(*)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.token.String())
		})
	}
}
