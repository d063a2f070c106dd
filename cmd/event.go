package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
)

// event is the invocation record. Fields other than table_name are echoed
// back unchanged
type event map[string]any

// readEvent builds the record from --table or decodes it from --event,
// where "-" reads standard input
func readEvent(table, path string, stdin io.Reader) (event, error) {
	switch {
	case table != "" && path != "":
		return nil, errors.New("--table and --event are mutually exclusive")
	case table != "":
		return event{"table_name": table}, nil
	case path == "":
		return nil, errors.New("--table or --event is required")
	}

	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open event: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var ev event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if name, ok := ev["table_name"].(string); !ok || name == "" {
		return nil, errors.New("event has no table_name")
	}
	return ev, nil
}

func (e event) table() string {
	name, _ := e["table_name"].(string)
	return name
}

// withState returns a copy of the record with state set to outcome
func (e event) withState(outcome syncer.Outcome) event {
	out := make(event, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["state"] = string(outcome)
	return out
}

type tableRecord struct {
	Table string `json:"table_name"`
}

type tableList struct {
	Tables []tableRecord `json:"tables"`
}

func newTableList(tables []string) tableList {
	list := tableList{Tables: make([]tableRecord, 0, len(tables))}
	for _, t := range tables {
		list.Tables = append(list.Tables, tableRecord{Table: t})
	}
	return list
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
