package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

// ParseError reports malformed input with the offending range.
type ParseError struct {
	Message string
	Input   string
	Start   int
	End     int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: '%s' at [%d, %d) in expression '%s'", e.Message, e.Fragment(), e.Start, e.End, e.Input)
}

// Fragment returns the offending substring.
func (e *ParseError) Fragment() string {
	start, end := e.Start, e.End
	if start < 0 {
		start = 0
	}
	if end > len(e.Input) {
		end = len(e.Input)
	}
	if start > end {
		start = end
	}
	return e.Input[start:end]
}

// Unwrap lets callers match parse failures with errors.Is(err, apperrors.ErrInvalidExpression).
func (e *ParseError) Unwrap() error {
	return apperrors.ErrInvalidExpression
}

// Parse parses and validates an expression.
func Parse(text string) (Token, error) {
	p := &parser{input: text}
	token, err := p.parseExpr(0, len(text))
	if err != nil {
		return nil, err
	}
	if err := validateOperand(token); err != nil {
		return nil, p.errorf(0, len(text), "%s", err.Error())
	}
	return token, nil
}

// MustParse is like Parse but panics on error. Intended for package-level expressions.
func MustParse(text string) Token {
	token, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return token
}

// parser scans the input by index in a single pass. Every method works on a half-open
// range [start, end) of the input and returns the index of the first unconsumed byte.
type parser struct {
	input string
}

func (p *parser) errorf(start, end int, format string, args ...any) *ParseError {
	return &ParseError{
		Message: fmt.Sprintf(format, args...),
		Input:   p.input,
		Start:   start,
		End:     end,
	}
}

// parseExpr parses a complete expression. Outer parentheses spanning the whole range
// are stripped, however deeply repeated, so "((a + b))" and "a + b" both produce the
// same GroupToken.
func (p *parser) parseExpr(start, end int) (Token, error) {
	start, end = p.trim(start, end)
	if start >= end {
		return nil, p.errorf(start, end, "empty expression")
	}

	for p.input[start] == '(' {
		closing, err := p.findClosing(start, end)
		if err != nil {
			return nil, err
		}
		if closing != end-1 {
			break
		}
		groupStart, groupEnd := start, end
		if start, end = p.trim(start+1, closing); start >= end {
			return nil, p.errorf(groupStart, groupEnd, "empty group")
		}
	}

	tokens, err := p.parseSequence(start, end)
	if err != nil {
		return nil, err
	}
	return p.group(tokens, start, end, false)
}

func (p *parser) group(tokens []Token, start, end int, nested bool) (Token, error) {
	switch {
	case len(tokens) == 0:
		return nil, p.errorf(start, end, "empty group")
	case len(tokens) == 1:
		return tokens[0], nil
	case nested:
		return Braces(tokens...), nil
	default:
		return Group(tokens...), nil
	}
}

func (p *parser) parseSequence(start, end int) ([]Token, error) {
	var tokens []Token
	idx := start
	for {
		idx = p.skipSpaces(idx, end)
		if idx >= end {
			return tokens, nil
		}
		token, next, err := p.parseToken(idx, end, tokens)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
		idx = next
	}
}

func expectsOperand(prev []Token) bool {
	if len(prev) == 0 {
		return true
	}
	_, isOperator := prev[len(prev)-1].(*OperatorToken)
	return isOperator
}

func (p *parser) parseToken(idx, end int, prev []Token) (Token, int, error) {
	c := p.input[idx]
	expectOperand := expectsOperand(prev)

	switch {
	case c == '(':
		closing, err := p.findClosing(idx, end)
		if err != nil {
			return nil, 0, err
		}
		tokens, err := p.parseSequence(idx+1, closing)
		if err != nil {
			return nil, 0, err
		}
		token, err := p.group(tokens, idx, closing+1, true)
		if err != nil {
			return nil, 0, err
		}
		return p.parseCastSuffix(token, closing+1, end)

	case c == '[' || c == '{':
		closing, err := p.findClosing(idx, end)
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, p.errorf(idx, closing+1, "unsupported bracket")

	case c == ')' || c == ']' || c == '}':
		return nil, 0, p.errorf(idx, idx+1, "unbalanced closing bracket")

	case c == '\'':
		closing, err := p.findQuote(idx, end)
		if err != nil {
			return nil, 0, err
		}
		return p.parseCastSuffix(Scalar(p.input[idx+1:closing]), closing+1, end)

	case c == '"':
		closing, err := p.findQuote(idx, end)
		if err != nil {
			return nil, 0, err
		}
		if closing == idx+1 {
			return nil, 0, p.errorf(idx, closing+1, "empty quoted identifier")
		}
		return p.parseCastSuffix(Column(p.input[idx+1:closing]), closing+1, end)

	case c == '*' && expectOperand:
		return AllFields(), idx + 1, nil

	case isDigit(c), c == '-' && expectOperand && idx+1 < end && isDigit(p.input[idx+1]):
		return p.parseNumber(idx, end)

	case isOperatorChar(c):
		rest := p.input[idx:end]
		for _, so := range symbolOperators {
			if strings.HasPrefix(rest, so.symbol) {
				return Op(so.op), idx + len(so.symbol), nil
			}
		}
		return nil, 0, p.errorf(idx, idx+1, "unknown operator")

	case isIdentStart(c):
		return p.parseWord(idx, end)
	}

	return nil, 0, p.errorf(idx, idx+1, "unexpected character")
}

func (p *parser) parseWord(idx, end int) (Token, int, error) {
	wordEnd := p.scanIdent(idx, end)
	word := p.input[idx:wordEnd]
	upper := strings.ToUpper(word)

	if kp, ok := keywordParsers[upper]; ok {
		return kp.parse(p, idx, wordEnd, end)
	}
	if op, ok := wordOperators[upper]; ok {
		return Op(op), wordEnd, nil
	}
	switch upper {
	case "NULL":
		return Null(), wordEnd, nil
	case "TRUE", "FALSE":
		return p.parseCastSuffix(Scalar(upper == "TRUE"), wordEnd, end)
	case "WHEN", "THEN", "ELSE", "END":
		return nil, 0, p.errorf(idx, wordEnd, "unexpected keyword outside of CASE")
	}

	if wordEnd < end && p.input[wordEnd] == '(' {
		closing, err := p.findClosing(wordEnd, end)
		if err != nil {
			return nil, 0, err
		}
		args, err := p.parseArgs(wordEnd+1, closing)
		if err != nil {
			return nil, 0, err
		}
		return p.parseCastSuffix(Func(word, args...), closing+1, end)
	}

	return p.parseCastSuffix(Column(word), wordEnd, end)
}

func (p *parser) parseNumber(idx, end int) (Token, int, error) {
	i := idx
	if p.input[i] == '-' {
		i++
	}
	dots := 0
	for i < end && (isDigit(p.input[i]) || p.input[i] == '.') {
		if p.input[i] == '.' {
			dots++
		}
		i++
	}
	if i < end && isIdentChar(p.input[i]) {
		return nil, 0, p.errorf(idx, p.scanIdent(i, end), "invalid number")
	}
	text := p.input[idx:i]
	var token Token
	switch dots {
	case 0:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, 0, p.errorf(idx, i, "invalid integer")
		}
		token = Scalar(v)
	case 1:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, 0, p.errorf(idx, i, "invalid number")
		}
		token = Scalar(v)
	default:
		return nil, 0, p.errorf(idx, i, "invalid number")
	}
	return p.parseCastSuffix(token, i, end)
}

// parseArgs splits [start, end) on top-level commas and parses each argument.
func (p *parser) parseArgs(start, end int) ([]Token, error) {
	args := []Token{}
	if s, e := p.trim(start, end); s >= e {
		return args, nil
	}
	segStart := start
	for i := start; i < end; i++ {
		switch c := p.input[i]; c {
		case '\'', '"':
			closing, err := p.findQuote(i, end)
			if err != nil {
				return nil, err
			}
			i = closing
		case '(', '[', '{':
			closing, err := p.findClosing(i, end)
			if err != nil {
				return nil, err
			}
			i = closing
		case ',':
			arg, err := p.parseExpr(segStart, i)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			segStart = i + 1
		}
	}
	arg, err := p.parseExpr(segStart, end)
	if err != nil {
		return nil, err
	}
	return append(args, arg), nil
}

// parseCastSuffix wraps token in casts for every ::type that follows it.
func (p *parser) parseCastSuffix(token Token, idx, end int) (Token, int, error) {
	for idx+1 < end && p.input[idx] == ':' && p.input[idx+1] == ':' {
		typeStart := idx + 2
		typeEnd := typeStart
		for typeEnd < end && (isIdentStart(p.input[typeEnd]) || isDigit(p.input[typeEnd])) {
			typeEnd++
		}
		if typeEnd == typeStart {
			return nil, 0, p.errorf(idx, typeEnd, "missing cast type")
		}
		token = Cast(token, p.input[typeStart:typeEnd])
		idx = typeEnd
	}
	return token, idx, nil
}

// findClosing returns the index of the bracket matching the one at open. Quoted strings
// and nested brackets of any kind are skipped.
func (p *parser) findClosing(open, end int) (int, error) {
	stack := []byte{closerOf(p.input[open])}
	for i := open + 1; i < end; i++ {
		switch c := p.input[i]; c {
		case '\'', '"':
			closing, err := p.findQuote(i, end)
			if err != nil {
				return 0, err
			}
			i = closing
		case '(', '[', '{':
			stack = append(stack, closerOf(c))
		case ')', ']', '}':
			if c != stack[len(stack)-1] {
				return 0, p.errorf(open, i+1, "mismatched bracket '%c'", c)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, nil
			}
		}
	}
	return 0, p.errorf(open, end, "unbalanced bracket '%c'", p.input[open])
}

func (p *parser) findQuote(open, end int) (int, error) {
	quote := p.input[open]
	if idx := strings.IndexByte(p.input[open+1:end], quote); idx >= 0 {
		return open + 1 + idx, nil
	}
	what := "string"
	if quote == '"' {
		what = "identifier"
	}
	return 0, p.errorf(open, end, "unterminated quoted %s", what)
}

func (p *parser) skipSpaces(idx, end int) int {
	for idx < end && isSpace(p.input[idx]) {
		idx++
	}
	return idx
}

func (p *parser) trim(start, end int) (int, int) {
	start = p.skipSpaces(start, end)
	for end > start && isSpace(p.input[end-1]) {
		end--
	}
	return start, end
}

func (p *parser) scanIdent(idx, end int) int {
	for idx < end && isIdentChar(p.input[idx]) {
		idx++
	}
	return idx
}

// nextWord skips spaces and returns the bounds of the identifier that follows.
func (p *parser) nextWord(idx, end int) (int, int) {
	start := p.skipSpaces(idx, end)
	return start, p.scanIdent(start, end)
}

func closerOf(c byte) byte {
	switch c {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == '$'
}
