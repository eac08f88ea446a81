// Package expr implements the datastore's SQL-expression language: a constrained grammar
// used for computed columns, aggregates and join conditions. Parse turns text into a
// Token tree; Token.String renders it back to the same language.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Token is a node of a parsed expression.
type Token interface {
	fmt.Stringer
	// Validate checks the token and its children. See validate.go for the rules.
	Validate() error
	isToken()
}

// ColumnToken references a column or attribute by name.
type ColumnToken struct {
	Name string
}

// ScalarToken is a literal: string, int64, float64 or bool.
type ScalarToken struct {
	Value any
}

// FunctionToken is a call of an allow-listed function.
type FunctionToken struct {
	Name string
	Args []Token
}

// OperatorToken is a binary or prefix operator inside a group.
type OperatorToken struct {
	Type OperatorType
}

// GroupToken is a parenthesized sequence at expression level.
type GroupToken struct {
	Tokens []Token
}

// BracesToken is a parenthesized sequence nested inside another sequence.
type BracesToken struct {
	Tokens []Token
}

// CaseBranch is one WHEN ... THEN ... pair.
type CaseBranch struct {
	When Token
	Then Token
}

// CaseToken is CASE WHEN ... THEN ... [ELSE ...] END.
type CaseToken struct {
	Branches []CaseBranch
	OrElse   Token
}

// CastToken is an explicit token::type cast.
type CastToken struct {
	Token Token
	Type  string
}

// IntervalToken is INTERVAL '<text>'.
type IntervalToken struct {
	Text string
}

// NullToken is the NULL literal.
type NullToken struct{}

// NullConditionToken is the postfix IS NULL / IS NOT NULL.
type NullConditionToken struct {
	IsNull bool
}

// AtTimeZoneToken is the postfix AT TIME ZONE '<tz>'.
type AtTimeZoneToken struct {
	TimeZone string
}

// AllFieldsToken is *, legal only as the single argument of count.
type AllFieldsToken struct{}

func (*ColumnToken) isToken()        {}
func (*ScalarToken) isToken()        {}
func (*FunctionToken) isToken()      {}
func (*OperatorToken) isToken()      {}
func (*GroupToken) isToken()         {}
func (*BracesToken) isToken()        {}
func (*CaseToken) isToken()          {}
func (*CastToken) isToken()          {}
func (*IntervalToken) isToken()      {}
func (*NullToken) isToken()          {}
func (*NullConditionToken) isToken() {}
func (*AtTimeZoneToken) isToken()    {}
func (*AllFieldsToken) isToken()     {}

// Column creates a column reference.
func Column(name string) *ColumnToken {
	return &ColumnToken{Name: name}
}

// Scalar creates a literal, normalizing Go integer and float kinds to int64 and float64.
func Scalar(value any) *ScalarToken {
	switch v := value.(type) {
	case int:
		value = int64(v)
	case int8:
		value = int64(v)
	case int16:
		value = int64(v)
	case int32:
		value = int64(v)
	case uint8:
		value = int64(v)
	case uint16:
		value = int64(v)
	case uint32:
		value = int64(v)
	case float32:
		value = float64(v)
	}
	return &ScalarToken{Value: value}
}

// Func creates a function call. The name is lower-cased.
func Func(name string, args ...Token) *FunctionToken {
	if args == nil {
		args = []Token{}
	}
	return &FunctionToken{Name: strings.ToLower(name), Args: args}
}

// Op creates an operator token.
func Op(t OperatorType) *OperatorToken {
	return &OperatorToken{Type: t}
}

// Group creates a group token.
func Group(tokens ...Token) *GroupToken {
	return &GroupToken{Tokens: tokens}
}

// Braces creates a nested group token.
func Braces(tokens ...Token) *BracesToken {
	return &BracesToken{Tokens: tokens}
}

// Case creates a CASE token; orElse may be nil.
func Case(branches []CaseBranch, orElse Token) *CaseToken {
	return &CaseToken{Branches: branches, OrElse: orElse}
}

// Cast wraps token in a cast to typeName.
func Cast(token Token, typeName string) *CastToken {
	return &CastToken{Token: token, Type: strings.ToLower(typeName)}
}

// Interval creates an interval literal.
func Interval(text string) *IntervalToken {
	return &IntervalToken{Text: text}
}

// Null returns the NULL literal.
func Null() *NullToken {
	return &NullToken{}
}

// IsNull returns IS NULL when isNull is true, IS NOT NULL otherwise.
func IsNull(isNull bool) *NullConditionToken {
	return &NullConditionToken{IsNull: isNull}
}

// AtTimeZone creates an AT TIME ZONE suffix.
func AtTimeZone(tz string) *AtTimeZoneToken {
	return &AtTimeZoneToken{TimeZone: tz}
}

// AllFields returns the * token.
func AllFields() *AllFieldsToken {
	return &AllFieldsToken{}
}

var simpleIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)*$`)

func (t *ColumnToken) String() string {
	if simpleIdentifier.MatchString(t.Name) && !isReservedWord(t.Name) {
		return t.Name
	}
	return `"` + t.Name + `"`
}

func (t *ScalarToken) String() string {
	switch v := t.Value.(type) {
	case string:
		return "'" + v + "'"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("'%v'", v)
	}
}

func (t *FunctionToken) String() string {
	args := make([]string, len(t.Args))
	for i, arg := range t.Args {
		args[i] = unwrapped(arg)
	}
	return t.Name + "(" + strings.Join(args, ", ") + ")"
}

func (t *OperatorToken) String() string {
	return t.Type.Symbol()
}

func (t *GroupToken) String() string {
	return "(" + joinTokens(t.Tokens) + ")"
}

func (t *BracesToken) String() string {
	return "(" + joinTokens(t.Tokens) + ")"
}

func (t *CaseToken) String() string {
	var sb strings.Builder
	sb.WriteString("CASE")
	for _, b := range t.Branches {
		sb.WriteString(" WHEN ")
		sb.WriteString(unwrapped(b.When))
		sb.WriteString(" THEN ")
		sb.WriteString(unwrapped(b.Then))
	}
	if t.OrElse != nil {
		sb.WriteString(" ELSE ")
		sb.WriteString(unwrapped(t.OrElse))
	}
	sb.WriteString(" END")
	return sb.String()
}

func (t *CastToken) String() string {
	return t.Token.String() + "::" + t.Type
}

func (t *IntervalToken) String() string {
	return "INTERVAL '" + t.Text + "'"
}

func (*NullToken) String() string {
	return "NULL"
}

func (t *NullConditionToken) String() string {
	if t.IsNull {
		return "IS NULL"
	}
	return "IS NOT NULL"
}

func (t *AtTimeZoneToken) String() string {
	return "AT TIME ZONE '" + t.TimeZone + "'"
}

func (*AllFieldsToken) String() string {
	return "*"
}

func joinTokens(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

// unwrapped renders a top-level group without its parentheses. Function arguments and
// CASE parts re-parse to the same group either way.
func unwrapped(t Token) string {
	if g, ok := t.(*GroupToken); ok {
		return joinTokens(g.Tokens)
	}
	return t.String()
}
