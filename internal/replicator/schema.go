package replicator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Column is one destination column derived from the table's JSON schema
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Key  bool   `json:"key,omitempty"`

	// Retained marks a column the source schema no longer has. It stays in
	// the table and in the stored layout but receives no values
	Retained bool `json:"retained,omitempty"`
}

type jsonSchema struct {
	Type       json.RawMessage        `json:"type"`
	Format     string                 `json:"format"`
	MaxLength  int                    `json:"maxLength"`
	Enum       []any                  `json:"enum"`
	Properties map[string]*jsonSchema `json:"properties"`
}

// typeName resolves "type" given either as a string or as a list that may
// include "null"
func (s *jsonSchema) typeName() string {
	if len(s.Type) == 0 {
		return ""
	}
	var single string
	if json.Unmarshal(s.Type, &single) == nil {
		return single
	}
	var many []string
	if json.Unmarshal(s.Type, &many) == nil {
		for _, t := range many {
			if t != "null" {
				return t
			}
		}
	}
	return ""
}

// ParseColumns maps a DAP table schema to destination columns: the
// properties of "key" first, then those of "value", each group sorted by name
func ParseColumns(raw json.RawMessage) ([]Column, error) {
	var root jsonSchema
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("failed to parse table schema: %w", err)
	}

	key := root.Properties["key"]
	if key == nil || len(key.Properties) == 0 {
		return nil, fmt.Errorf("table schema has no key properties")
	}

	cols := columnsOf(key, true)
	if value := root.Properties["value"]; value != nil {
		for _, c := range columnsOf(value, false) {
			if _, dup := key.Properties[c.Name]; dup {
				continue
			}
			cols = append(cols, c)
		}
	}
	return cols, nil
}

func columnsOf(s *jsonSchema, key bool) []Column {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, Column{Name: name, Type: sqlType(s.Properties[name]), Key: key})
	}
	return cols
}

func sqlType(s *jsonSchema) string {
	switch s.typeName() {
	case "integer":
		switch s.Format {
		case "int16":
			return "smallint"
		case "int32":
			return "integer"
		}
		return "bigint"
	case "number":
		if s.Format == "float32" {
			return "real"
		}
		return "double precision"
	case "boolean":
		return "boolean"
	case "string":
		switch {
		case s.Format == "date-time":
			return "timestamp with time zone"
		case s.Format == "date":
			return "date"
		case len(s.Enum) > 0:
			return "varchar"
		case s.MaxLength > 0:
			return fmt.Sprintf("varchar(%d)", s.MaxLength)
		}
		return "text"
	}
	// objects, arrays and unions
	return "jsonb"
}

// KeyColumns returns the primary key columns
func KeyColumns(cols []Column) []Column {
	var out []Column
	for _, c := range cols {
		if c.Key {
			out = append(out, c)
		}
	}
	return out
}

// mergeLayout returns the layout stored after moving from prev to next: the
// columns of next followed by the columns of prev that next dropped, marked
// retained with their last type
func mergeLayout(prev, next []Column) []Column {
	present := make(map[string]bool, len(next))
	layout := make([]Column, 0, len(next)+len(prev))
	for _, c := range next {
		present[c.Name] = true
		c.Retained = false
		layout = append(layout, c)
	}
	for _, c := range prev {
		if !present[c.Name] {
			c.Retained = true
			c.Key = false
			layout = append(layout, c)
		}
	}
	return layout
}

// activeColumns drops retained columns
func activeColumns(layout []Column) []Column {
	out := make([]Column, 0, len(layout))
	for _, c := range layout {
		if !c.Retained {
			out = append(out, c)
		}
	}
	return out
}

func columnNames(cols []Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}
