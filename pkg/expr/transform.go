package expr

import (
	"fmt"
)

// Walk calls fn for t and every token below it, depth first. Returning false from fn
// skips the token's children.
func Walk(t Token, fn func(Token) bool) {
	if t == nil || !fn(t) {
		return
	}
	switch tok := t.(type) {
	case *FunctionToken:
		for _, arg := range tok.Args {
			Walk(arg, fn)
		}
	case *GroupToken:
		for _, c := range tok.Tokens {
			Walk(c, fn)
		}
	case *BracesToken:
		for _, c := range tok.Tokens {
			Walk(c, fn)
		}
	case *CaseToken:
		for _, b := range tok.Branches {
			Walk(b.When, fn)
			Walk(b.Then, fn)
		}
		Walk(tok.OrElse, fn)
	case *CastToken:
		Walk(tok.Token, fn)
	}
}

// Rewrite returns a copy of t in which every token for which fn returns a non-nil
// replacement is substituted. Replacements are not descended into.
func Rewrite(t Token, fn func(Token) Token) Token {
	if t == nil {
		return nil
	}
	if r := fn(t); r != nil {
		return r
	}
	rewriteAll := func(tokens []Token) []Token {
		out := make([]Token, len(tokens))
		for i, c := range tokens {
			out[i] = Rewrite(c, fn)
		}
		return out
	}
	switch tok := t.(type) {
	case *FunctionToken:
		return &FunctionToken{Name: tok.Name, Args: rewriteAll(tok.Args)}
	case *GroupToken:
		return &GroupToken{Tokens: rewriteAll(tok.Tokens)}
	case *BracesToken:
		return &BracesToken{Tokens: rewriteAll(tok.Tokens)}
	case *CaseToken:
		branches := make([]CaseBranch, len(tok.Branches))
		for i, b := range tok.Branches {
			branches[i] = CaseBranch{When: Rewrite(b.When, fn), Then: Rewrite(b.Then, fn)}
		}
		return &CaseToken{Branches: branches, OrElse: Rewrite(tok.OrElse, fn)}
	case *CastToken:
		return &CastToken{Token: Rewrite(tok.Token, fn), Type: tok.Type}
	}
	return t
}

// ReplaceColumns returns a copy of t with every column renamed by rename. Used to
// rewrite expressions against table aliases.
func ReplaceColumns(t Token, rename func(name string) string) Token {
	return Rewrite(t, func(tok Token) Token {
		if c, ok := tok.(*ColumnToken); ok {
			return Column(rename(c.Name))
		}
		return nil
	})
}

// Columns returns the distinct column names referenced by t in order of appearance.
func Columns(t Token) []string {
	seen := make(map[string]bool)
	var names []string
	Walk(t, func(tok Token) bool {
		if c, ok := tok.(*ColumnToken); ok && !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
		return true
	})
	return names
}

// IsAggregate reports whether t calls an aggregate function.
func IsAggregate(t Token) bool {
	found := false
	Walk(t, func(tok Token) bool {
		if f, ok := tok.(*FunctionToken); ok {
			if category, _ := FunctionCategoryOf(f.Name); category == CategoryAggregate {
				found = true
			}
		}
		return !found
	})
	return found
}

// CollapseAggregates rewrites aggregate calls into their per-row equivalents, for queries
// without GROUP BY where every row is its own group.
//
//	count(*)       -> 1
//	count(x)       -> CASE WHEN x IS NOT NULL THEN 1 ELSE 0 END
//	sum(x), min(x) -> x
func CollapseAggregates(t Token) Token {
	var collapse func(Token) Token
	collapse = func(tok Token) Token {
		f, ok := tok.(*FunctionToken)
		if !ok {
			return nil
		}
		if category, _ := FunctionCategoryOf(f.Name); category != CategoryAggregate {
			return nil
		}
		if len(f.Args) == 0 {
			return Null()
		}
		if f.Name == "count" {
			if _, all := f.Args[0].(*AllFieldsToken); all {
				return Scalar(int64(1))
			}
			arg := Rewrite(f.Args[0], collapse)
			return Case([]CaseBranch{{When: Group(arg, IsNull(false)), Then: Scalar(int64(1))}}, Scalar(int64(0)))
		}
		return Rewrite(f.Args[0], collapse)
	}
	return Rewrite(t, collapse)
}

// ColumnResolver maps an expression column name to its SQL rendering. Returning false
// rejects the column.
type ColumnResolver func(name string) (string, bool)

// RenderSQL renders t as SQL, resolving every column through resolve.
func RenderSQL(t Token, resolve ColumnResolver) (string, error) {
	var unknown []string
	rendered := Rewrite(t, func(tok Token) Token {
		c, ok := tok.(*ColumnToken)
		if !ok {
			return nil
		}
		sql, ok := resolve(c.Name)
		if !ok {
			unknown = append(unknown, c.Name)
			return tok
		}
		return rawToken(sql)
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown columns in expression %s: %v", t, unknown)
	}
	return rendered.String(), nil
}

// rawToken carries already-rendered SQL through Rewrite. It never leaves this package.
type rawToken string

func (rawToken) isToken()         {}
func (r rawToken) String() string { return string(r) }
func (rawToken) Validate() error  { return nil }
