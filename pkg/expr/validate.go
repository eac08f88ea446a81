package expr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	sqlcheck "github.com/ekaya-inc/ekaya-datastore/pkg/sql"
)

// FunctionCategory partitions the function allow-list.
type FunctionCategory string

const (
	CategoryAggregate  FunctionCategory = "aggregate"
	CategoryNumeric    FunctionCategory = "numeric"
	CategoryDatetime   FunctionCategory = "datetime"
	CategoryString     FunctionCategory = "string"
	CategoryConversion FunctionCategory = "conversion"
	CategoryOther      FunctionCategory = "other"
	CategoryCustom     FunctionCategory = "custom"
)

var builtinFunctions = map[FunctionCategory][]string{
	CategoryAggregate:  {"count", "sum", "avg", "min", "max", "array_agg", "string_agg", "bool_and", "bool_or"},
	CategoryNumeric:    {"abs", "ceil", "floor", "round", "trunc", "mod", "power", "sqrt", "sign", "greatest", "least", "random"},
	CategoryDatetime:   {"now", "date_trunc", "date_part", "extract", "age", "current_date", "current_timestamp", "make_date", "to_timestamp"},
	CategoryString:     {"lower", "upper", "length", "trim", "ltrim", "rtrim", "concat", "substring", "replace", "left", "right", "position", "split_part", "lpad", "rpad"},
	CategoryConversion: {"to_char", "to_number", "to_date", "cast"},
	CategoryOther:      {"coalesce", "nullif"},
}

var (
	functionsMu sync.RWMutex
	functions   = buildFunctionIndex()
)

func buildFunctionIndex() map[string]FunctionCategory {
	index := make(map[string]FunctionCategory)
	for category, names := range builtinFunctions {
		for _, name := range names {
			index[name] = category
		}
	}
	return index
}

// RegisterCustomFunction adds name to the allow-list. Built-in names cannot be re-registered.
func RegisterCustomFunction(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !simpleIdentifier.MatchString(name) || strings.Contains(name, ".") {
		return fmt.Errorf("invalid function name %q", name)
	}
	functionsMu.Lock()
	defer functionsMu.Unlock()
	if category, ok := functions[name]; ok && category != CategoryCustom {
		return fmt.Errorf("function %q is already a %s function", name, category)
	}
	functions[name] = CategoryCustom
	return nil
}

// FunctionCategoryOf returns the category of an allow-listed function.
func FunctionCategoryOf(name string) (FunctionCategory, bool) {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	category, ok := functions[strings.ToLower(name)]
	return category, ok
}

// Functions returns the allow-listed function names of a category, sorted.
func Functions(category FunctionCategory) []string {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	var names []string
	for name, c := range functions {
		if c == category {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

var (
	castTypePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	intervalPattern = regexp.MustCompile(`^[0-9A-Za-z .:+-]+$`)
	timeZonePattern = regexp.MustCompile(`^[A-Za-z0-9_/+:-]+$`)
)

func (t *ColumnToken) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("empty column name")
	}
	if err := sqlcheck.CheckIdentifier(t.Name); err != nil {
		return fmt.Errorf("column name: %w", err)
	}
	return nil
}

// Validate rejects string values containing the quote delimiter; there is no escaping.
func (t *ScalarToken) Validate() error {
	switch v := t.Value.(type) {
	case string:
		if strings.ContainsRune(v, '\'') {
			return fmt.Errorf("string literal %q must not contain a single quote", v)
		}
		return sqlcheck.CheckLiteral("string literal", v)
	case int64, float64, bool:
		return nil
	default:
		return fmt.Errorf("unsupported literal type %T", t.Value)
	}
}

func (t *FunctionToken) Validate() error {
	if _, ok := FunctionCategoryOf(t.Name); !ok {
		return fmt.Errorf("function %q is not allowed", t.Name)
	}
	for _, arg := range t.Args {
		if _, ok := arg.(*AllFieldsToken); ok {
			if t.Name == "count" && len(t.Args) == 1 {
				continue
			}
			return fmt.Errorf("* is only allowed as the single argument of count, found in %s", t.Name)
		}
		if err := validateOperand(arg); err != nil {
			return err
		}
	}
	return nil
}

func (t *OperatorToken) Validate() error {
	if _, ok := operatorSymbols[t.Type]; !ok {
		return fmt.Errorf("unknown operator %d", t.Type)
	}
	return nil
}

func (t *GroupToken) Validate() error {
	return validateSequence(t.Tokens)
}

func (t *BracesToken) Validate() error {
	return validateSequence(t.Tokens)
}

func (t *CaseToken) Validate() error {
	if len(t.Branches) == 0 {
		return fmt.Errorf("CASE without WHEN")
	}
	for _, b := range t.Branches {
		if b.When == nil || b.Then == nil {
			return fmt.Errorf("incomplete CASE branch")
		}
		if err := validateOperand(b.When); err != nil {
			return err
		}
		if err := validateOperand(b.Then); err != nil {
			return err
		}
	}
	if t.OrElse != nil {
		return validateOperand(t.OrElse)
	}
	return nil
}

func (t *CastToken) Validate() error {
	if !castTypePattern.MatchString(t.Type) {
		return fmt.Errorf("invalid cast type %q", t.Type)
	}
	return validateOperand(t.Token)
}

func (t *IntervalToken) Validate() error {
	if !intervalPattern.MatchString(t.Text) {
		return fmt.Errorf("invalid interval %q", t.Text)
	}
	return nil
}

func (*NullToken) Validate() error {
	return nil
}

func (*NullConditionToken) Validate() error {
	return nil
}

func (t *AtTimeZoneToken) Validate() error {
	if !timeZonePattern.MatchString(t.TimeZone) {
		return fmt.Errorf("invalid time zone %q", t.TimeZone)
	}
	return nil
}

func (*AllFieldsToken) Validate() error {
	return fmt.Errorf("* is only allowed as the single argument of count")
}

func isPostfix(t Token) bool {
	switch t.(type) {
	case *NullConditionToken, *AtTimeZoneToken:
		return true
	}
	return false
}

// validateOperand validates a token that must stand on its own as a value.
func validateOperand(t Token) error {
	if t == nil {
		return fmt.Errorf("missing operand")
	}
	if op, ok := t.(*OperatorToken); ok {
		return fmt.Errorf("operator %s without operands", op)
	}
	if isPostfix(t) {
		return fmt.Errorf("%s without operand", t)
	}
	return t.Validate()
}

// validateSequence checks operand/operator alternation. Prefix operators (NOT, -) may
// stand where an operand is expected; IS [NOT] NULL and AT TIME ZONE may follow an operand.
func validateSequence(tokens []Token) error {
	if len(tokens) == 0 {
		return fmt.Errorf("empty group")
	}
	expectOperand := true
	for _, t := range tokens {
		switch tok := t.(type) {
		case *OperatorToken:
			if err := tok.Validate(); err != nil {
				return err
			}
			if expectOperand && !tok.Type.IsPrefix() {
				return fmt.Errorf("operator %s is missing its left operand", tok)
			}
			expectOperand = true
		default:
			if isPostfix(t) {
				if expectOperand {
					return fmt.Errorf("%s without operand", t)
				}
				if err := t.Validate(); err != nil {
					return err
				}
				continue
			}
			if !expectOperand {
				return fmt.Errorf("missing operator before %s", t)
			}
			if err := validateOperand(t); err != nil {
				return err
			}
			expectOperand = false
		}
	}
	if expectOperand {
		return fmt.Errorf("operator %s is missing its right operand", tokens[len(tokens)-1])
	}
	return nil
}
