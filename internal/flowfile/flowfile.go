// Package flowfile reads flow definitions from YAML and compiles them into
// a pipeline.Flow. A definition lists schemas in order; each schema holds
// tasks that either emit inline rows or run SQL over earlier tasks.
package flowfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/hook/sqlquery"
	"github.com/hyperengineering/tablestage/internal/pipeline"
	"github.com/hyperengineering/tablestage/internal/tablestore"
)

// ErrInvalid is returned for definitions that cannot be compiled.
var ErrInvalid = errors.New("invalid flow definition")

// Definition is the YAML form of a flow.
type Definition struct {
	Name    string      `yaml:"name"`
	Schemas []SchemaDef `yaml:"schemas"`
}

// SchemaDef declares one schema and the tasks that write into it.
type SchemaDef struct {
	Name  string    `yaml:"name"`
	Tasks []TaskDef `yaml:"tasks"`
}

// TaskDef declares one task. Exactly one of Rows or SQL is set.
type TaskDef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Table names the single output table. Empty gets a generated name.
	Table string `yaml:"table"`

	Columns []string `yaml:"columns"`
	Rows    [][]any  `yaml:"rows"`

	SQL string `yaml:"sql"`

	// Inputs maps a SQL table alias to "schema.task", or "task" within
	// the same schema. Referenced tasks must be declared earlier.
	Inputs map[string]string `yaml:"inputs"`

	// Lazy SQL tasks run every time and are cached by query text.
	Lazy bool `yaml:"lazy"`
}

// Load reads and validates the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition without touching any storage.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: flow name is required", ErrInvalid)
	}
	if len(d.Schemas) == 0 {
		return fmt.Errorf("%w: flow %q has no schemas", ErrInvalid, d.Name)
	}

	declared := make(map[string]bool)
	for _, s := range d.Schemas {
		if err := pipeline.ValidateSchemaName(s.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, t := range s.Tasks {
			if err := t.validate(s.Name, declared); err != nil {
				return err
			}
			declared[s.Name+"."+t.Name] = true
		}
	}
	return nil
}

func (t TaskDef) validate(schema string, declared map[string]bool) error {
	where := schema + "." + t.Name
	if t.Name == "" {
		return fmt.Errorf("%w: task in schema %q has no name", ErrInvalid, schema)
	}
	if err := pipeline.ValidateTableName(t.Name); err != nil {
		return fmt.Errorf("%w: task %s: %v", ErrInvalid, where, err)
	}
	if declared[where] {
		return fmt.Errorf("%w: duplicate task %s", ErrInvalid, where)
	}
	if t.Table != "" {
		if err := pipeline.ValidateTableName(t.Table); err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrInvalid, where, err)
		}
	}

	hasRows := len(t.Columns) > 0
	hasSQL := strings.TrimSpace(t.SQL) != ""
	switch {
	case hasRows && hasSQL:
		return fmt.Errorf("%w: task %s sets both rows and sql", ErrInvalid, where)
	case !hasRows && !hasSQL:
		return fmt.Errorf("%w: task %s needs columns or sql", ErrInvalid, where)
	case hasRows:
		if len(t.Inputs) > 0 || t.Lazy {
			return fmt.Errorf("%w: task %s: inputs and lazy apply to sql tasks only", ErrInvalid, where)
		}
		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return fmt.Errorf("%w: task %s row %d has %d values, want %d", ErrInvalid, where, i, len(row), len(t.Columns))
			}
		}
	}

	for alias, ref := range t.Inputs {
		if alias == "" {
			return fmt.Errorf("%w: task %s has an empty input alias", ErrInvalid, where)
		}
		if !declared[qualify(schema, ref)] {
			return fmt.Errorf("%w: task %s input %q refers to unknown task %q", ErrInvalid, where, alias, ref)
		}
	}
	return nil
}

// qualify turns a task reference into "schema.task".
func qualify(schema, ref string) string {
	if strings.Contains(ref, ".") {
		return ref
	}
	return schema + "." + ref
}

// Compile builds the flow described by d against store. Schemas are
// created (and their working areas reset) as part of compilation.
func Compile(ctx context.Context, d *Definition, store *tablestore.Store) (*pipeline.Flow, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	f := pipeline.NewFlow(d.Name)
	tasks := make(map[string]*pipeline.Task)

	for _, sd := range d.Schemas {
		schema, err := pipeline.NewSchema(ctx, sd.Name, store)
		if err != nil {
			return nil, err
		}

		err = f.WithSchema(schema, func() error {
			for _, td := range sd.Tasks {
				t, err := addTask(f, store, sd.Name, td, tasks)
				if err != nil {
					return err
				}
				tasks[sd.Name+"."+td.Name] = t
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", sd.Name, err)
		}
	}

	return f, nil
}

func addTask(f *pipeline.Flow, store *tablestore.Store, schema string, td TaskDef, known map[string]*pipeline.Task) (*pipeline.Task, error) {
	if len(td.Columns) > 0 {
		rows, err := normalizeRows(td.Rows)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", td.Name, err)
		}
		columns := append([]string(nil), td.Columns...)
		table := td.Table
		return f.AddTask(pipeline.TaskSpec{
			Name:    td.Name,
			Version: td.Version,
			Run: func(context.Context, *pipeline.Invocation) ([]*pipeline.Table, error) {
				fr := frame.New(columns...)
				fr.Rows = rows
				return []*pipeline.Table{pipeline.NewTable(fr, table)}, nil
			},
		})
	}

	// Aliases are sorted so the input order, and therefore the cache
	// key, does not depend on map iteration.
	aliases := make([]string, 0, len(td.Inputs))
	for alias := range td.Inputs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var inputs []*pipeline.Task
	index := make(map[string]int)
	position := make(map[*pipeline.Task]int)
	for _, alias := range aliases {
		up := known[qualify(schema, td.Inputs[alias])]
		if up == nil {
			return nil, fmt.Errorf("%w: task %s input %q is not defined", ErrInvalid, td.Name, alias)
		}
		i, ok := position[up]
		if !ok {
			i = len(inputs)
			position[up] = i
			inputs = append(inputs, up)
		}
		index[alias] = i
	}

	query := td.SQL
	table := td.Table
	lazy := td.Lazy
	st := store.Backend()

	return f.AddTask(pipeline.TaskSpec{
		Name:    td.Name,
		Version: td.Version,
		Lazy:    lazy,
		Run: func(ctx context.Context, inv *pipeline.Invocation) ([]*pipeline.Table, error) {
			q := sqlquery.Query{SQL: query, Inputs: make(map[string]*pipeline.Table, len(index))}
			for alias, i := range index {
				in, err := inv.Table(i, 0)
				if err != nil {
					return nil, fmt.Errorf("input %q: %w", alias, err)
				}
				q.Inputs[alias] = in
			}
			if lazy {
				return []*pipeline.Table{pipeline.NewTable(q, table)}, nil
			}
			result, err := sqlquery.Evaluate(ctx, st, q)
			if err != nil {
				return nil, err
			}
			return []*pipeline.Table{pipeline.NewTable(result, table)}, nil
		},
	}, inputs...)
}

// normalizeRows converts YAML scalars to the value types frames carry.
func normalizeRows(rows [][]any) ([][]any, error) {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, v := range row {
			switch x := v.(type) {
			case nil, string, bool, float64, int64:
				out[i][j] = x
			case int:
				out[i][j] = int64(x)
			case uint64:
				out[i][j] = int64(x)
			default:
				return nil, fmt.Errorf("%w: row %d column %d has unsupported value %T", ErrInvalid, i, j, v)
			}
		}
	}
	return out, nil
}
