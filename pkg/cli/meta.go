package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

func newMetaCommand(opts *rootOptions) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Print table metadata as YAML",
		Long:  "Print the schema version and DDL changelog of a table, or of every table of the schema when --table is omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			var metas []*models.TableMeta
			if table != "" {
				meta, err := sc.Deps().Meta.Get(ctx, sc.Table(table))
				if err != nil {
					return err
				}
				metas = append(metas, meta)
			} else if metas, err = sc.Meta().FindAll(ctx); err != nil {
				return err
			}
			return writeMetaYAML(cmd.OutOrStdout(), metas)
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Table name")
	return cmd
}

type metaView struct {
	Table         string       `yaml:"table"`
	SchemaVersion int          `yaml:"schema_version"`
	Created       time.Time    `yaml:"created"`
	Modified      time.Time    `yaml:"modified"`
	Changelog     []changeView `yaml:"changelog,omitempty"`
}

type changeView struct {
	ID         string         `yaml:"id"`
	Type       string         `yaml:"type"`
	Started    time.Time      `yaml:"started"`
	DurationMs int64          `yaml:"duration_ms"`
	Params     map[string]any `yaml:"params,omitempty"`
	Commands   []string       `yaml:"commands,omitempty"`
}

func writeMetaYAML(w io.Writer, metas []*models.TableMeta) error {
	views := make([]metaView, len(metas))
	for i, m := range metas {
		v := metaView{
			Table:         m.Table.Key(),
			SchemaVersion: m.SchemaVersion,
			Created:       m.Created.UTC(),
			Modified:      m.Modified.UTC(),
		}
		for _, c := range m.Changelog {
			v.Changelog = append(v.Changelog, changeView{
				ID:         c.ID.String(),
				Type:       string(c.ChangeType),
				Started:    c.StartTime.UTC(),
				DurationMs: c.DurationMs,
				Params:     c.Params,
				Commands:   c.DDLCommands,
			})
		}
		views[i] = v
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return enc.Close()
}
