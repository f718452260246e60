package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParamSpec declares one parameter of a named query.
type ParamSpec struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
	// Default is substituted when the caller omits the parameter.
	Default any `yaml:"default,omitempty"`
}

// QueryDef is one registry entry: a stable name bound to a SQL
// template with :name placeholders.
type QueryDef struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	SQL         string      `yaml:"sql"`
	Params      []ParamSpec `yaml:"params,omitempty"`
}

type registryFile struct {
	Queries []QueryDef `yaml:"queries"`
}

// Registry resolves query names to their definitions. Callers never
// hand SQL to the executor directly; everything goes through here.
type Registry struct {
	queries map[string]*QueryDef
}

var placeholderRe = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

// NewRegistry validates definitions and builds a registry.
func NewRegistry(defs []QueryDef) (*Registry, error) {
	reg := &Registry{queries: make(map[string]*QueryDef, len(defs))}
	for i := range defs {
		if err := reg.add(&defs[i]); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *Registry) add(def *QueryDef) error {
	if def.Name == "" {
		return fmt.Errorf("query definition without a name")
	}
	if def.SQL == "" {
		return fmt.Errorf("query %q has no sql", def.Name)
	}

	declared := make(map[string]bool, len(def.Params))
	for _, param := range def.Params {
		if param.Name == "" {
			return fmt.Errorf("query %q declares a parameter without a name", def.Name)
		}
		if declared[param.Name] {
			return fmt.Errorf("query %q declares parameter %q twice", def.Name, param.Name)
		}
		declared[param.Name] = true
	}
	for _, match := range placeholderRe.FindAllStringSubmatch(def.SQL, -1) {
		if !declared[match[1]] {
			return fmt.Errorf("query %q uses undeclared parameter :%s", def.Name, match[1])
		}
	}

	r.queries[def.Name] = def
	return nil
}

// Resolve returns the definition for a name.
func (r *Registry) Resolve(name string) (*QueryDef, error) {
	def, ok := r.queries[name]
	if !ok {
		return nil, &UnknownQueryError{Name: name}
	}
	return def, nil
}

// Names lists registered query names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queries))
	for name := range r.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queries lists definitions in name order.
func (r *Registry) Queries() []*QueryDef {
	defs := make([]*QueryDef, 0, len(r.queries))
	for _, name := range r.Names() {
		defs = append(defs, r.queries[name])
	}
	return defs
}

// Len reports the number of registered queries.
func (r *Registry) Len() int {
	return len(r.queries)
}

// ParseRegistry reads query definitions from YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse query registry: %w", err)
	}
	return NewRegistry(file.Queries)
}

// LoadRegistry returns the built-in queries, extended and overridden
// by an optional external YAML file.
func LoadRegistry(path string) (*Registry, error) {
	reg := DefaultRegistry()
	if path == "" {
		return reg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query registry %s: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse query registry %s: %w", path, err)
	}
	for i := range file.Queries {
		if err := reg.add(&file.Queries[i]); err != nil {
			return nil, fmt.Errorf("registry %s: %w", path, err)
		}
	}
	return reg, nil
}

// DefaultRegistry holds the built-in catalog queries.
func DefaultRegistry() *Registry {
	reg, err := ParseRegistry([]byte(defaultQueriesYAML))
	if err != nil {
		// The built-in YAML is a compile-time constant; failing to
		// parse it is a programming error.
		panic(err)
	}
	return reg
}

const defaultQueriesYAML = `
queries:
  - name: catalog.byPath
    description: One document record by its catalog path
    sql: |
      SELECT path, page_count, bundled, iso_date, filesize,
             package_filesize, package_iso_date, dir_pages, valid
      FROM djvu
      WHERE path = :path
    params:
      - name: path
        required: true

  - name: catalog.documents
    description: Document records ordered by path
    sql: |
      SELECT path, page_count, bundled, iso_date, filesize,
             package_filesize, package_iso_date, dir_pages, valid
      FROM djvu
      ORDER BY path
      LIMIT :limit
    params:
      - name: limit
        default: 10000000

  - name: catalog.pages
    description: Page records ordered by page key
    sql: |
      SELECT page_key, djvu_path, page_index, path, valid,
             width, height, dpi, iso_date, filesize, error_msg, has_text
      FROM page
      ORDER BY page_key
      LIMIT :limit
    params:
      - name: limit
        default: 10000000

  - name: catalog.pagesByDocument
    description: Pages of one document in page order
    sql: |
      SELECT page_key, djvu_path, page_index, path, valid,
             width, height, dpi, iso_date, filesize, error_msg, has_text
      FROM page
      WHERE djvu_path = :path
      ORDER BY page_index
      LIMIT :limit
    params:
      - name: path
        required: true
      - name: limit
        default: 10000

  - name: catalog.invalidPages
    description: Pages whose extraction failed
    sql: |
      SELECT page_key, djvu_path, page_index, path, valid,
             width, height, dpi, iso_date, filesize, error_msg, has_text
      FROM page
      WHERE NOT valid
      ORDER BY page_key
      LIMIT :limit
    params:
      - name: limit
        default: 10000000

  - name: catalog.totals
    description: Overall document and page counts
    sql: |
      SELECT (SELECT COUNT(*) FROM djvu) AS files,
             (SELECT COUNT(*) FROM page) AS pages

  - name: catalog.stats
    description: Documents per archive year
    sql: |
      SELECT substr(iso_date, 1, 4) AS year,
             COUNT(*) AS files,
             SUM(page_count) AS pages,
             SUM(filesize) AS total_size
      FROM djvu
      GROUP BY substr(iso_date, 1, 4)
      ORDER BY year
`
