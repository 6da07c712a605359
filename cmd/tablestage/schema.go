package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/backend/fs"
	"github.com/hyperengineering/tablestage/internal/metadata"
	"github.com/hyperengineering/tablestage/internal/pipeline"
	"github.com/hyperengineering/tablestage/internal/tablestore"
)

var (
	schemaJSONOutput bool
	tablesWorking    bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect schemas",
	Long:  "List schemas and inspect their tables and cache metadata without running the server.",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schemas with metadata records",
	Args:  cobra.NoArgs,
	RunE:  runSchemaList,
}

var schemaInfoCmd = &cobra.Command{
	Use:   "info <schema>",
	Short: "Show detailed information about a schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaInfo,
}

var schemaTablesCmd = &cobra.Command{
	Use:   "tables <schema>",
	Short: "List the tables of a schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaTables,
}

func init() {
	schemaCmd.PersistentFlags().BoolVar(&schemaJSONOutput, "json", false, "Output in JSON format")
	schemaTablesCmd.Flags().BoolVar(&tablesWorking, "working", false, "List the working area instead of the base area")

	schemaCmd.AddCommand(schemaListCmd)
	schemaCmd.AddCommand(schemaInfoCmd)
	schemaCmd.AddCommand(schemaTablesCmd)
}

// openOfflineStore opens the configured store for a read-only command.
func openOfflineStore() (*tablestore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg, stderrLogger(cfg))
}

func runSchemaList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openOfflineStore()
	if err != nil {
		return err
	}
	defer store.Close()

	schemas, err := store.Metadata().ListSchemas(ctx)
	if err != nil {
		return fmt.Errorf("list schemas: %w", err)
	}

	if schemaJSONOutput {
		if schemas == nil {
			schemas = []metadata.SchemaSummary{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"schemas": schemas,
			"total":   len(schemas),
		})
	}

	if len(schemas) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No schemas found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "NAME\tTASKS\tLAZY TABLES\tWORKING TASKS\tWORKING LAZY TABLES")
	for _, s := range schemas {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Name, s.Tasks, s.LazyTables, s.WorkingTasks, s.WorkingLazyTables)
	}
	return w.Flush()
}

func runSchemaInfo(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()

	if err := pipeline.ValidateSchemaName(name); err != nil {
		return err
	}

	store, err := openOfflineStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summary := metadata.SchemaSummary{Name: name}
	schemas, err := store.Metadata().ListSchemas(ctx)
	if err != nil {
		return fmt.Errorf("list schemas: %w", err)
	}
	for _, s := range schemas {
		if s.Name == name {
			summary = s
		}
	}

	tables, err := store.Backend().ListTables(ctx, name)
	if err != nil && !errors.Is(err, backend.ErrNamespaceNotFound) {
		return fmt.Errorf("list tables: %w", err)
	}
	if errors.Is(err, backend.ErrNamespaceNotFound) && summary == (metadata.SchemaSummary{Name: name}) {
		return fmt.Errorf("schema %q not found", name)
	}

	var nsMeta *fs.NamespaceMeta
	if fsb, ok := store.Backend().(*fs.Backend); ok {
		// Namespaces created by older runs may have no meta file.
		nsMeta, _ = fsb.NamespaceMeta(name)
	}

	out := cmd.OutOrStdout()
	if schemaJSONOutput {
		info := map[string]any{
			"name":                name,
			"working_name":        pipeline.WorkingName(name),
			"tables":              len(tables),
			"tasks":               summary.Tasks,
			"lazy_tables":         summary.LazyTables,
			"working_tasks":       summary.WorkingTasks,
			"working_lazy_tables": summary.WorkingLazyTables,
		}
		if nsMeta != nil {
			info["created"] = nsMeta.Created
			info["last_swapped"] = nsMeta.LastSwapped
		}
		return printJSON(out, info)
	}

	fmt.Fprintf(out, "Schema:        %s\n", name)
	fmt.Fprintf(out, "Working name:  %s\n", pipeline.WorkingName(name))
	fmt.Fprintf(out, "Tables:        %d\n", len(tables))
	fmt.Fprintf(out, "Tasks:         %d (working %d)\n", summary.Tasks, summary.WorkingTasks)
	fmt.Fprintf(out, "Lazy tables:   %d (working %d)\n", summary.LazyTables, summary.WorkingLazyTables)
	if nsMeta != nil {
		fmt.Fprintf(out, "Created:       %s\n", nsMeta.Created.Format("2006-01-02 15:04:05 MST"))
		if nsMeta.LastSwapped.IsZero() {
			fmt.Fprintln(out, "Last swapped:  never")
		} else {
			fmt.Fprintf(out, "Last swapped:  %s\n", nsMeta.LastSwapped.Format("2006-01-02 15:04:05 MST"))
		}
	}
	return nil
}

func runSchemaTables(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()

	if err := pipeline.ValidateSchemaName(name); err != nil {
		return err
	}

	store, err := openOfflineStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ns := name
	if tablesWorking {
		ns = pipeline.WorkingName(name)
	}
	tables, err := store.Backend().ListTables(ctx, ns)
	if err != nil {
		return fmt.Errorf("list tables of %s: %w", ns, err)
	}

	if schemaJSONOutput {
		if tables == nil {
			tables = []string{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"schema":    name,
			"namespace": ns,
			"tables":    tables,
		})
	}

	if len(tables) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No tables in %s.\n", ns)
		return nil
	}
	for _, t := range tables {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}
