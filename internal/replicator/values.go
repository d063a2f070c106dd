package replicator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dap"
)

// convert turns a decoded JSON value into the Go value pgx encodes for the
// column type. Numbers arrive as json.Number
func convert(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch {
	case c.Type == "bigint" || c.Type == "integer" || c.Type == "smallint":
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case float64:
			return int64(n), nil
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case c.Type == "double precision" || c.Type == "real":
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case float64:
			return n, nil
		}
	case c.Type == "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case c.Type == "timestamp with time zone":
		if s, ok := v.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case c.Type == "date":
		if s, ok := v.(string); ok {
			return time.Parse(time.DateOnly, s)
		}
	case c.Type == "jsonb":
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case c.Type == "text" || strings.HasPrefix(c.Type, "varchar"):
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("column %s: cannot store %T as %s", c.Name, v, c.Type)
}

// rowArgs returns the statement arguments for cols, reading key columns from
// the record key and the rest from its value
func rowArgs(cols []Column, rec dap.Record) ([]any, error) {
	args := make([]any, len(cols))
	for i, c := range cols {
		src := rec.Value
		if c.Key {
			src = rec.Key
		}
		v, err := convert(c, src[c.Name])
		if err != nil {
			return nil, err
		}
		if c.Key && v == nil {
			return nil, fmt.Errorf("record is missing key column %s", c.Name)
		}
		args[i] = v
	}
	return args, nil
}
