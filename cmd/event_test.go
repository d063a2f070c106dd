package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvent(t *testing.T) {
	ev, err := readEvent("assignments", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "assignments", ev.table())

	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"table_name":"submissions","attempt":2}`), 0o600))
	ev, err = readEvent("", path, nil)
	require.NoError(t, err)
	assert.Equal(t, "submissions", ev.table())
	assert.Equal(t, json.Number("2"), ev["attempt"])

	ev, err = readEvent("", "-", strings.NewReader(`{"table_name":"grades"}`))
	require.NoError(t, err)
	assert.Equal(t, "grades", ev.table())
}

func TestReadEvent_Errors(t *testing.T) {
	tests := []struct {
		name  string
		table string
		path  string
		stdin string
	}{
		{name: "nothing", table: "", path: ""},
		{name: "both", table: "a", path: "-"},
		{name: "no table_name", path: "-", stdin: `{"table":"a"}`},
		{name: "empty table_name", path: "-", stdin: `{"table_name":""}`},
		{name: "not json", path: "-", stdin: `table_name=a`},
		{name: "missing file", path: filepath.Join(t.TempDir(), "missing.json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readEvent(tt.table, tt.path, strings.NewReader(tt.stdin))
			assert.Error(t, err)
		})
	}
}

func TestEventWithState(t *testing.T) {
	ev := event{"table_name": "assignments", "run": "nightly"}
	out := ev.withState(syncer.CompleteWithUpdate)

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, out))
	assert.JSONEq(t, `{"table_name":"assignments","run":"nightly","state":"complete_with_update"}`, buf.String())
	assert.NotContains(t, ev, "state", "input record is left unchanged")
}

func TestTableList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, newTableList([]string{"accounts", "courses"})))
	assert.JSONEq(t, `{"tables":[{"table_name":"accounts"},{"table_name":"courses"}]}`, buf.String())

	buf.Reset()
	require.NoError(t, writeJSON(&buf, newTableList(nil)))
	assert.JSONEq(t, `{"tables":[]}`, buf.String())
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	since, err := parseSince("36h", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), since)

	since, err = parseSince("2026-10-01T00:00:00-04:00", now)
	require.NoError(t, err)
	assert.True(t, since.Equal(time.Date(2026, 10, 1, 4, 0, 0, 0, time.UTC)))

	for _, bad := range []string{"", "-1h", "yesterday"} {
		_, err := parseSince(bad, now)
		assert.Error(t, err, bad)
	}
}
