package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datastore/pkg/expr"
)

func newParseCommand() *cobra.Command {
	var showSQL bool

	cmd := &cobra.Command{
		Use:   "parse <expression>",
		Short: "Parse an expression and print its syntax tree",
		Example: `  ekaya-datastore parse "sum(price * quantity)"
  ekaya-datastore parse --sql "CASE WHEN total > 100 THEN 'big' ELSE 'small' END"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := expr.Parse(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTree(out, token, 0)
			fmt.Fprintf(out, "\nText:      %s\n", token.String())
			fmt.Fprintf(out, "Columns:   %s\n", strings.Join(expr.Columns(token), ", "))
			fmt.Fprintf(out, "Aggregate: %t\n", expr.IsAggregate(token))
			if showSQL {
				sql, err := expr.RenderSQL(token, func(name string) (string, bool) {
					return pgx.Identifier{name}.Sanitize(), true
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "SQL:       %s\n", sql)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSQL, "sql", false, "Also print the SQL rendering")
	return cmd
}

var nodeColor = color.New(color.FgCyan)

// printTree writes one line per node, children indented below their parent.
func printTree(w io.Writer, t expr.Token, depth int) {
	indent := strings.Repeat("  ", depth)
	line := func(kind, detail string) {
		fmt.Fprintf(w, "%s%s %s\n", indent, nodeColor.Sprint(kind), detail)
	}

	switch t := t.(type) {
	case *expr.ColumnToken:
		line("Column", t.Name)
	case *expr.ScalarToken:
		line("Scalar", fmt.Sprintf("%s (%T)", t.String(), t.Value))
	case *expr.FunctionToken:
		line("Function", t.Name)
		for _, arg := range t.Args {
			printTree(w, arg, depth+1)
		}
	case *expr.OperatorToken:
		line("Operator", t.String())
	case *expr.GroupToken:
		line("Group", "")
		for _, child := range t.Tokens {
			printTree(w, child, depth+1)
		}
	case *expr.BracesToken:
		line("Braces", "")
		for _, child := range t.Tokens {
			printTree(w, child, depth+1)
		}
	case *expr.CaseToken:
		line("Case", "")
		for _, b := range t.Branches {
			fmt.Fprintf(w, "%s  when\n", indent)
			printTree(w, b.When, depth+2)
			fmt.Fprintf(w, "%s  then\n", indent)
			printTree(w, b.Then, depth+2)
		}
		if t.OrElse != nil {
			fmt.Fprintf(w, "%s  else\n", indent)
			printTree(w, t.OrElse, depth+2)
		}
	case *expr.CastToken:
		line("Cast", t.Type)
		printTree(w, t.Token, depth+1)
	default:
		line(strings.TrimSuffix(strings.TrimPrefix(fmt.Sprintf("%T", t), "*expr."), "Token"), t.String())
	}
}
