package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryContainsBuiltins(t *testing.T) {
	reg := DefaultRegistry()

	builtins := []string{
		"catalog.byPath",
		"catalog.documents",
		"catalog.pages",
		"catalog.pagesByDocument",
		"catalog.invalidPages",
		"catalog.totals",
		"catalog.stats",
	}
	assert.Equal(t, len(builtins), reg.Len())
	for _, name := range builtins {
		def, err := reg.Resolve(name)
		require.NoError(t, err, "builtin %s", name)
		assert.Equal(t, name, def.Name)
		assert.NotEmpty(t, def.SQL)
	}
	assert.ElementsMatch(t, builtins, reg.Names())
}

func TestResolveUnknownQuery(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Resolve("nonexistent.name")
	var unknown *UnknownQueryError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nonexistent.name", unknown.Name)
	assert.Contains(t, err.Error(), "nonexistent.name")
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		defs    []QueryDef
		wantErr string
	}{
		{
			name:    "empty name",
			defs:    []QueryDef{{SQL: "SELECT 1"}},
			wantErr: "without a name",
		},
		{
			name:    "empty sql",
			defs:    []QueryDef{{Name: "broken"}},
			wantErr: "has no sql",
		},
		{
			name: "undeclared placeholder",
			defs: []QueryDef{{
				Name: "broken",
				SQL:  "SELECT * FROM djvu WHERE path = :path",
			}},
			wantErr: "undeclared parameter :path",
		},
		{
			name: "duplicate parameter",
			defs: []QueryDef{{
				Name:   "broken",
				SQL:    "SELECT * FROM djvu WHERE path = :path",
				Params: []ParamSpec{{Name: "path"}, {Name: "path"}},
			}},
			wantErr: `declares parameter "path" twice`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewRegistryLastDefinitionWins(t *testing.T) {
	reg, err := NewRegistry([]QueryDef{
		{Name: "dup", SQL: "SELECT 1"},
		{Name: "dup", SQL: "SELECT 2"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	def, err := reg.Resolve("dup")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", def.SQL)
}

func TestLoadRegistryWithoutFileReturnsDefaults(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRegistry().Len(), reg.Len())
}

func TestLoadRegistryMergesExternalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.yaml")
	content := `queries:
  - name: catalog.documents
    description: overridden listing
    sql: SELECT path FROM djvu ORDER BY path LIMIT :limit
    params:
      - name: limit
        default: 50
  - name: custom.largest
    description: biggest files first
    sql: SELECT path, filesize FROM djvu ORDER BY filesize DESC LIMIT :limit
    params:
      - name: limit
        default: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRegistry().Len()+1, reg.Len())

	custom, err := reg.Resolve("custom.largest")
	require.NoError(t, err)
	assert.Equal(t, "biggest files first", custom.Description)

	overridden, err := reg.Resolve("catalog.documents")
	require.NoError(t, err)
	assert.Equal(t, "overridden listing", overridden.Description)
	assert.Contains(t, overridden.SQL, "SELECT path FROM djvu")

	// Untouched builtins survive the merge.
	_, err = reg.Resolve("catalog.byPath")
	assert.NoError(t, err)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRegistryRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.yaml")
	content := `queries:
  - name: broken.query
    sql: SELECT * FROM djvu WHERE path = :path
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared parameter")
}

func TestQueriesReturnsSortedDefinitions(t *testing.T) {
	reg := DefaultRegistry()

	defs := reg.Queries()
	require.Equal(t, reg.Len(), len(defs))
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name)
	}
}
