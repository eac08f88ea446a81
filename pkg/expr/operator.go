package expr

import "strings"

// OperatorType enumerates the operators of the expression language.
type OperatorType int

const (
	OpPlus OperatorType = iota
	OpMinus
	OpMultiply
	OpDivide
	OpMod
	OpEqual
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpConcat
	OpAnd
	OpOr
	OpNot
	OpLike
	OpILike
)

var operatorSymbols = map[OperatorType]string{
	OpPlus:           "+",
	OpMinus:          "-",
	OpMultiply:       "*",
	OpDivide:         "/",
	OpMod:            "%",
	OpEqual:          "=",
	OpNotEqual:       "<>",
	OpLess:           "<",
	OpLessOrEqual:    "<=",
	OpGreater:        ">",
	OpGreaterOrEqual: ">=",
	OpConcat:         "||",
	OpAnd:            "AND",
	OpOr:             "OR",
	OpNot:            "NOT",
	OpLike:           "LIKE",
	OpILike:          "ILIKE",
}

// symbolic operators ordered so that longer symbols are tried first
var symbolOperators = []struct {
	symbol string
	op     OperatorType
}{
	{"<=", OpLessOrEqual},
	{">=", OpGreaterOrEqual},
	{"<>", OpNotEqual},
	{"!=", OpNotEqual},
	{"||", OpConcat},
	{"+", OpPlus},
	{"-", OpMinus},
	{"*", OpMultiply},
	{"/", OpDivide},
	{"%", OpMod},
	{"=", OpEqual},
	{"<", OpLess},
	{">", OpGreater},
}

var wordOperators = map[string]OperatorType{
	"AND":   OpAnd,
	"OR":    OpOr,
	"NOT":   OpNot,
	"LIKE":  OpLike,
	"ILIKE": OpILike,
}

// Symbol returns the operator as written in expressions and SQL.
func (o OperatorType) Symbol() string {
	return operatorSymbols[o]
}

func (o OperatorType) String() string {
	return o.Symbol()
}

// IsPrefix reports whether the operator may stand where an operand is expected.
func (o OperatorType) IsPrefix() bool {
	return o == OpNot || o == OpMinus
}

const operatorChars = "+-*/%=<>!|"

func isOperatorChar(c byte) bool {
	return strings.IndexByte(operatorChars, c) >= 0
}

var reservedWords = map[string]struct{}{
	"CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {}, "END": {},
	"AND": {}, "OR": {}, "NOT": {}, "LIKE": {}, "ILIKE": {},
	"IS": {}, "NULL": {}, "TRUE": {}, "FALSE": {}, "INTERVAL": {}, "AT": {},
}

func isReservedWord(s string) bool {
	_, ok := reservedWords[strings.ToUpper(s)]
	return ok
}
