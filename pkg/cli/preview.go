package cli

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
)

func newPreviewCommand(opts *rootOptions) *cobra.Command {
	var table string
	var columns []string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the DDL a record table needs without executing it",
		Long: `Print the statements that would bring a record table up to date with the record
entity and the extra columns given with --column. Nothing is executed.`,
		Example: `  ekaya-datastore preview --table records --column price:DOUBLE --column tags:TEXT[]`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseColumnFlags(columns)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			sc, err := a.registry.Schema(ctx, a.schemaName(opts))
			if err != nil {
				return err
			}
			mapper, err := recordMapper(table)
			if err != nil {
				return err
			}
			ref := sc.Table(mapper.TableName())
			service := services.NewDataService(sc.Deps(), mapper, ref, sc.Records(ref.Table), services.Options{}, a.logger)

			commands, err := service.EvolveSchema(ctx, extra, services.EvolveOptions{Mock: true, Diff: true})
			if err != nil {
				return err
			}
			printCommands(cmd.OutOrStdout(), ref, commands)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Record table name (defaults to the record entity's table)")
	cmd.Flags().StringArrayVar(&columns, "column", nil, "Extra column as name:TYPE, TYPE[] for arrays (repeatable)")
	return cmd
}

// parseColumnFlags parses name:TYPE and name:TYPE[] column flags.
func parseColumnFlags(flags []string) ([]models.ColumnDef, error) {
	columns := make([]models.ColumnDef, 0, len(flags))
	for _, flag := range flags {
		name, typeName, ok := strings.Cut(flag, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid column %q, expected name:TYPE", flag)
		}
		typeName, multiple := strings.CutSuffix(strings.TrimSpace(typeName), "[]")
		columnType, err := models.ParseColumnType(typeName)
		if err != nil {
			return nil, fmt.Errorf("invalid column %q: %w", flag, err)
		}
		columns = append(columns, models.ColumnDef{Name: strings.TrimSpace(name), Type: columnType, Multiple: multiple})
	}
	if err := models.ValidateColumns(columns); err != nil {
		return nil, err
	}
	return columns, nil
}

func printCommands(w io.Writer, table models.TableRef, commands []string) {
	if len(commands) == 0 {
		color.New(color.FgGreen).Fprintf(w, "%s is up to date\n", table.Key())
		return
	}
	color.New(color.Bold).Fprintf(w, "-- %d statement(s) for %s\n", len(commands), table.Key())
	for _, command := range commands {
		fmt.Fprintln(w, colorizeDDL(command)+";")
	}
}

var (
	ddlWordPattern = regexp.MustCompile(`"(?:[^"]|"")*"|\b[A-Z]+\b`)

	ddlKeywords = map[string]bool{
		"CREATE": true, "ALTER": true, "TABLE": true, "ADD": true, "COLUMN": true, "DROP": true,
		"RENAME": true, "TO": true, "INDEX": true, "UNIQUE": true, "IF": true, "NOT": true,
		"EXISTS": true, "ON": true, "NULL": true, "PRIMARY": true, "KEY": true, "CONSTRAINT": true,
		"FOREIGN": true, "REFERENCES": true, "DELETE": true, "CASCADE": true, "SCHEMA": true,
	}

	keywordColor    = color.New(color.FgCyan, color.Bold)
	identifierColor = color.New(color.FgYellow)
	typeColor       = color.New(color.FgGreen)
)

// colorizeDDL highlights keywords, quoted identifiers and type names of a statement.
func colorizeDDL(statement string) string {
	if color.NoColor {
		return statement
	}
	return ddlWordPattern.ReplaceAllStringFunc(statement, func(word string) string {
		switch {
		case strings.HasPrefix(word, `"`):
			return identifierColor.Sprint(word)
		case ddlKeywords[word]:
			return keywordColor.Sprint(word)
		default:
			return typeColor.Sprint(word)
		}
	})
}
