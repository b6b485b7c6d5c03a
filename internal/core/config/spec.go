package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
)

// TableSpec declares one base table plus the aggregators maintained over it.
// Specs are loaded at startup from YAML files; no hot reload.
type TableSpec struct {
	Name        string       `yaml:"name"`
	Tid         uint32       `yaml:"tid"`
	Columns     []ColumnSpec `yaml:"columns"`
	KeyCols     []string     `yaml:"key_cols"`
	TsCol       string       `yaml:"ts_col"`
	Aggregators []AggrSpec   `yaml:"aggregators"`
}

type ColumnSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	NotNull bool   `yaml:"not_null"`
}

// AggrSpec declares one aggregator: which column, which function, and how
// buckets close. bucket_size is a row count ("1000") or a range ("2s", "1d").
type AggrSpec struct {
	AggrCol    string `yaml:"aggr_col"`
	AggrFunc   string `yaml:"aggr_func"`
	BucketSize string `yaml:"bucket_size"`
	// TsCol overrides the table-level ts column for this aggregator.
	TsCol     string `yaml:"ts_col"`
	FilterCol string `yaml:"filter_col"`
	IndexPos  uint32 `yaml:"index_pos"`
}

// EffectiveTsCol is the ts column the aggregator orders by.
func (a AggrSpec) EffectiveTsCol(tableTsCol string) string {
	if a.TsCol != "" {
		return a.TsCol
	}
	return tableTsCol
}

// TableMeta converts the spec into the engine's table descriptor.
func (s *TableSpec) TableMeta() (*codec.TableMeta, error) {
	schema := make(codec.Schema, 0, len(s.Columns))
	for _, c := range s.Columns {
		t, err := codec.ParseDataType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("table %q column %q: %w", s.Name, c.Name, err)
		}
		schema = append(schema, codec.ColumnDesc{Name: c.Name, Type: t, NotNull: c.NotNull})
	}
	return &codec.TableMeta{
		Name:    s.Name,
		Tid:     s.Tid,
		Schema:  schema,
		KeyCols: s.KeyCols,
		TsCol:   s.TsCol,
	}, nil
}

func (s *TableSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("table spec: name must not be empty")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %q: columns must not be empty", s.Name)
	}
	cols := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if cols[c.Name] {
			return fmt.Errorf("table %q: duplicate column %q", s.Name, c.Name)
		}
		cols[c.Name] = true
	}
	if len(s.KeyCols) == 0 {
		return fmt.Errorf("table %q: key_cols must not be empty", s.Name)
	}
	for _, kc := range s.KeyCols {
		if !cols[kc] {
			return fmt.Errorf("table %q: key column %q not in columns", s.Name, kc)
		}
	}
	if !cols[s.TsCol] {
		return fmt.Errorf("table %q: ts column %q not in columns", s.Name, s.TsCol)
	}
	for i, a := range s.Aggregators {
		if a.AggrCol == "" || a.AggrFunc == "" || a.BucketSize == "" {
			return fmt.Errorf("table %q aggregator %d: aggr_col, aggr_func and bucket_size are required", s.Name, i)
		}
		if a.AggrCol != "*" && !cols[a.AggrCol] {
			return fmt.Errorf("table %q aggregator %d: aggr_col %q not in columns", s.Name, i, a.AggrCol)
		}
		if a.TsCol != "" && !cols[a.TsCol] {
			return fmt.Errorf("table %q aggregator %d: ts_col %q not in columns", s.Name, i, a.TsCol)
		}
		if a.FilterCol != "" && !cols[a.FilterCol] {
			return fmt.Errorf("table %q aggregator %d: filter_col %q not in columns", s.Name, i, a.FilterCol)
		}
	}
	return nil
}

// LoadTableSpecs reads every *.yaml file in dir, one table spec per file.
// A missing directory loads as zero specs.
func LoadTableSpecs(dir string) ([]TableSpec, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spec dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("spec path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading spec dir: %w", err)
	}

	var specs []TableSpec
	names := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading spec file %s: %w", path, err)
		}

		var spec TableSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parsing spec file %s: %w", path, err)
		}
		if spec.Name == "" && len(spec.Columns) == 0 {
			continue // skip empty / comment-only files
		}
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("spec file %s: %w", path, err)
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("spec file %s: duplicate table name %q", path, spec.Name)
		}
		names[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}
