// Package predicate is the backend-agnostic filter language the data service accepts.
// A predicate tree is compiled into a parameterized SQL condition against a resolver
// that knows the table's live columns.
package predicate

import (
	"fmt"
	"strings"
)

// Predicate is a node of a filter tree.
type Predicate interface {
	fmt.Stringer
	isPredicate()
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
)

// Comparison compares an attribute with a value. Eq against nil means IS NULL; Eq of a
// scalar against a multi-valued attribute matches when any element equals the value.
type Comparison struct {
	Attr  string
	Op    CompareOp
	Value any
}

// Contains matches text attributes by case-insensitive substring and multi-valued
// attributes by element containment.
type Contains struct {
	Attr  string
	Value any
}

// Empty matches NULL, empty strings and empty arrays.
type Empty struct {
	Attr string
}

// In matches when the attribute equals one of Values.
type In struct {
	Attr   string
	Values []any
}

// And matches when every item matches. An empty And matches everything.
type And struct {
	Items []Predicate
}

// Or matches when any item matches. An empty Or matches nothing.
type Or struct {
	Items []Predicate
}

// Not negates Item.
type Not struct {
	Item Predicate
}

// Constant is Always or Never.
type Constant struct {
	Value bool
}

func (*Comparison) isPredicate() {}
func (*Contains) isPredicate()   {}
func (*Empty) isPredicate()      {}
func (*In) isPredicate()         {}
func (*And) isPredicate()        {}
func (*Or) isPredicate()         {}
func (*Not) isPredicate()        {}
func (*Constant) isPredicate()   {}

func Eq(attr string, value any) *Comparison { return &Comparison{Attr: attr, Op: OpEq, Value: value} }
func Gt(attr string, value any) *Comparison { return &Comparison{Attr: attr, Op: OpGt, Value: value} }
func Ge(attr string, value any) *Comparison { return &Comparison{Attr: attr, Op: OpGe, Value: value} }
func Lt(attr string, value any) *Comparison { return &Comparison{Attr: attr, Op: OpLt, Value: value} }
func Le(attr string, value any) *Comparison { return &Comparison{Attr: attr, Op: OpLe, Value: value} }

// ContainsValue builds a Contains predicate.
func ContainsValue(attr string, value any) *Contains {
	return &Contains{Attr: attr, Value: value}
}

// IsEmpty builds an Empty predicate.
func IsEmpty(attr string) *Empty {
	return &Empty{Attr: attr}
}

// InValues builds an In predicate.
func InValues(attr string, values ...any) *In {
	return &In{Attr: attr, Values: values}
}

// AllOf builds an And predicate, dropping nil items.
func AllOf(items ...Predicate) *And {
	return &And{Items: compact(items)}
}

// AnyOf builds an Or predicate, dropping nil items.
func AnyOf(items ...Predicate) *Or {
	return &Or{Items: compact(items)}
}

// Negate builds a Not predicate.
func Negate(item Predicate) *Not {
	return &Not{Item: item}
}

// Always matches every row.
func Always() *Constant { return &Constant{Value: true} }

// Never matches no row.
func Never() *Constant { return &Constant{Value: false} }

func compact(items []Predicate) []Predicate {
	result := make([]Predicate, 0, len(items))
	for _, item := range items {
		if item != nil {
			result = append(result, item)
		}
	}
	return result
}

func (p *Comparison) String() string {
	return fmt.Sprintf("%s %s %v", p.Attr, p.Op, p.Value)
}

func (p *Contains) String() string {
	return fmt.Sprintf("%s CONTAINS %v", p.Attr, p.Value)
}

func (p *Empty) String() string {
	return p.Attr + " IS EMPTY"
}

func (p *In) String() string {
	return fmt.Sprintf("%s IN %v", p.Attr, p.Values)
}

func (p *And) String() string {
	return joinPredicates(p.Items, " AND ", "ALWAYS")
}

func (p *Or) String() string {
	return joinPredicates(p.Items, " OR ", "NEVER")
}

func (p *Not) String() string {
	return "NOT (" + p.Item.String() + ")"
}

func (p *Constant) String() string {
	if p.Value {
		return "ALWAYS"
	}
	return "NEVER"
}

func joinPredicates(items []Predicate, sep, empty string) string {
	if len(items) == 0 {
		return empty
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Attributes returns the attribute names referenced by p.
func Attributes(p Predicate) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch n := p.(type) {
		case *Comparison:
			add(n.Attr)
		case *Contains:
			add(n.Attr)
		case *Empty:
			add(n.Attr)
		case *In:
			add(n.Attr)
		case *And:
			for _, item := range n.Items {
				walk(item)
			}
		case *Or:
			for _, item := range n.Items {
				walk(item)
			}
		case *Not:
			walk(n.Item)
		}
	}
	walk(p)
	return names
}
