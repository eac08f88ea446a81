package predicate

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// Column is a resolved attribute: its SQL reference and live definition.
type Column struct {
	SQL string
	Def models.ColumnDef
}

// Resolver maps an attribute name to a live column. Unknown attributes return false.
type Resolver func(attr string) (Column, bool)

// Args accumulates positional query parameters.
type Args struct {
	values []any
}

// NewArgs returns Args that continue numbering after existing values.
func NewArgs(existing ...any) *Args {
	return &Args{values: append([]any(nil), existing...)}
}

// Add appends a value and returns its placeholder.
func (a *Args) Add(value any) string {
	a.values = append(a.values, value)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the accumulated parameters.
func (a *Args) Values() []any {
	return a.values
}

// Len returns the number of parameters.
func (a *Args) Len() int {
	return len(a.values)
}

// Compile renders p as a SQL condition. Parameters are appended to args.
//
// An attribute the resolver does not know has no column, so every row holds NULL for
// it: comparisons, Contains and In compile to NULL, like they would against a NULL column,
// so negating them still excludes the row. Empty and equality with nil compile to TRUE.
func Compile(p Predicate, resolve Resolver, args *Args) (string, error) {
	if p == nil {
		return "TRUE", nil
	}
	switch n := p.(type) {
	case *Constant:
		if n.Value {
			return "TRUE", nil
		}
		return "FALSE", nil

	case *Comparison:
		col, ok := resolve(n.Attr)
		if !ok {
			if n.Value == nil && n.Op == OpEq {
				return "TRUE", nil
			}
			return "NULL", nil
		}
		return compileComparison(n, col, args)

	case *Contains:
		col, ok := resolve(n.Attr)
		if !ok {
			return "NULL", nil
		}
		return compileContains(n, col, args)

	case *Empty:
		col, ok := resolve(n.Attr)
		if !ok {
			return "TRUE", nil
		}
		switch {
		case col.Def.Multiple:
			return fmt.Sprintf("(%s IS NULL OR cardinality(%s) = 0)", col.SQL, col.SQL), nil
		case col.Def.Type == models.ColumnTypeText:
			return fmt.Sprintf("(%s IS NULL OR %s = '')", col.SQL, col.SQL), nil
		default:
			return col.SQL + " IS NULL", nil
		}

	case *In:
		if len(n.Values) == 0 {
			return "FALSE", nil
		}
		col, ok := resolve(n.Attr)
		if !ok {
			return "NULL", nil
		}
		if col.Def.Multiple {
			return fmt.Sprintf("%s && %s", col.SQL, args.Add(n.Values)), nil
		}
		return fmt.Sprintf("%s = ANY(%s)", col.SQL, args.Add(n.Values)), nil

	case *And:
		return compileJunction(n.Items, " AND ", "TRUE", resolve, args)

	case *Or:
		return compileJunction(n.Items, " OR ", "FALSE", resolve, args)

	case *Not:
		inner, err := Compile(n.Item, resolve, args)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func compileComparison(n *Comparison, col Column, args *Args) (string, error) {
	if n.Value == nil {
		if n.Op != OpEq {
			return "", fmt.Errorf("cannot compare %s %s NULL", n.Attr, n.Op)
		}
		return col.SQL + " IS NULL", nil
	}
	if col.Def.Multiple {
		if n.Op != OpEq {
			return "", fmt.Errorf("range comparison on multi-valued attribute %s", n.Attr)
		}
		if isSlice(n.Value) {
			return fmt.Sprintf("%s = %s", col.SQL, args.Add(n.Value)), nil
		}
		return fmt.Sprintf("%s = ANY(%s)", args.Add(n.Value), col.SQL), nil
	}
	return fmt.Sprintf("%s %s %s", col.SQL, n.Op, args.Add(n.Value)), nil
}

func compileContains(n *Contains, col Column, args *Args) (string, error) {
	switch {
	case col.Def.Multiple:
		value := n.Value
		if !isSlice(value) {
			value = []any{value}
		}
		return fmt.Sprintf("%s @> %s", col.SQL, args.Add(value)), nil
	case col.Def.Type == models.ColumnTypeText:
		s, ok := n.Value.(string)
		if !ok {
			return "", fmt.Errorf("contains on text attribute %s needs a string, got %T", n.Attr, n.Value)
		}
		return fmt.Sprintf("%s ILIKE %s", col.SQL, args.Add("%"+EscapeLike(s)+"%")), nil
	case col.Def.Type == models.ColumnTypeJSON:
		return fmt.Sprintf("%s @> %s", col.SQL, args.Add(n.Value)), nil
	}
	return "", fmt.Errorf("contains is not supported on %s attribute %s", col.Def.Type, n.Attr)
}

func compileJunction(items []Predicate, sep, empty string, resolve Resolver, args *Args) (string, error) {
	if len(items) == 0 {
		return empty, nil
	}
	parts := make([]string, len(items))
	for i, item := range items {
		sql, err := Compile(item, resolve, args)
		if err != nil {
			return "", err
		}
		parts[i] = sql
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards in s.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func isSlice(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	t := reflect.TypeOf(v)
	return t.Kind() == reflect.Slice || t.Kind() == reflect.Array && t.Elem().Kind() != reflect.Uint8
}
