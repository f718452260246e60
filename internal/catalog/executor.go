package catalog

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Row is one result row keyed by column name.
type Row map[string]any

// ResultSet carries ordered rows plus the column order, which a map
// alone would lose.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Executor runs registry-resolved queries against the store. It never
// accepts caller-supplied SQL.
type Executor struct {
	store    *Store
	registry *Registry
	logger   *observability.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(store *Store, registry *Registry, logger *observability.Logger) *Executor {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Executor{store: store, registry: registry, logger: logger}
}

// Registry exposes the executor's registry, for listings.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Ping reports whether the backend is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Query resolves a named query, validates its parameters and runs it.
// The backend connection is scoped to this one call and released on
// every exit path.
func (e *Executor) Query(ctx context.Context, name string, params map[string]any) (*ResultSet, error) {
	def, err := e.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	sqlText, args, err := bindParams(def, params, e.store.Driver())
	if err != nil {
		return nil, err
	}

	conn, err := e.store.db.Conn(ctx)
	if err != nil {
		return nil, &BackendError{Driver: string(e.store.Driver()), Err: err}
	}
	defer conn.Close()

	started := time.Now()
	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query %q: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of query %q: %w", name, err)
	}

	result := &ResultSet{Columns: columns, Rows: []Row{}}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row of query %q: %w", name, err)
		}
		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query %q: %w", name, err)
	}

	e.logger.Debug().
		Str("query", name).
		Int("rows", len(result.Rows)).
		Dur("duration", time.Since(started)).
		Msg("Named query executed")
	return result, nil
}

// bindParams checks the parameter dictionary against the query's
// declared parameters and rewrites :name placeholders into the
// driver's positional style.
func bindParams(def *QueryDef, params map[string]any, driver Driver) (string, []any, error) {
	declared := make(map[string]ParamSpec, len(def.Params))
	for _, spec := range def.Params {
		declared[spec.Name] = spec
	}

	mismatch := &ParamMismatchError{Query: def.Name}
	for name := range params {
		if _, ok := declared[name]; !ok {
			mismatch.Unknown = append(mismatch.Unknown, name)
		}
	}

	effective := make(map[string]any, len(def.Params))
	for _, spec := range def.Params {
		if value, ok := params[spec.Name]; ok {
			effective[spec.Name] = value
			continue
		}
		if spec.Default != nil {
			effective[spec.Name] = spec.Default
			continue
		}
		if spec.Required {
			mismatch.Missing = append(mismatch.Missing, spec.Name)
			continue
		}
		effective[spec.Name] = nil
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Unknown) > 0 {
		return "", nil, mismatch
	}

	var args []any
	var sqlText string
	switch driver {
	case DriverPostgres:
		// Repeated parameters reuse one positional argument.
		positions := make(map[string]int)
		sqlText = placeholderRe.ReplaceAllStringFunc(def.SQL, func(match string) string {
			name := match[1:]
			pos, ok := positions[name]
			if !ok {
				args = append(args, coerceArg(effective[name]))
				pos = len(args)
				positions[name] = pos
			}
			return fmt.Sprintf("$%d", pos)
		})
	default:
		sqlText = placeholderRe.ReplaceAllStringFunc(def.SQL, func(match string) string {
			args = append(args, coerceArg(effective[match[1:]]))
			return "?"
		})
	}
	return sqlText, args, nil
}

// coerceArg maps JSON-decoded numbers onto database-friendly types.
// JSON has no integer type, so a whole number arrives as float64 and
// would bind as a float, which both backends reject in LIMIT clauses.
func coerceArg(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) &&
		f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f)
	}
	return v
}

// normalizeValue makes driver-specific scan types JSON-friendly.
func normalizeValue(v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
