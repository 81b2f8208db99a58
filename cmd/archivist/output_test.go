package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/history"
	"github.com/archivist-dev/archivist/pkg/version"
)

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]outputFormat{"": outputTable, "TABLE": outputTable, "json": outputJSON, "Yaml": outputYAML} {
		got, err := parseOutputFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOutputFormat("xml")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestHistoryTable(t *testing.T) {
	sum := checksum.MustNew(checksum.SHA256).SumBytes([]byte("hello"))
	records := []history.VersionRecord{
		{Version: version.MustParse("0.0.1"), Checksum: sum, Author: "ada", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Version: version.MustParse("0.1"), Checksum: checksum.Checksum{Algorithm: "md5", Digest: "abc"}},
	}

	var buf bytes.Buffer
	require.NoError(t, printOutput(&buf, outputTable, records, historyTable(records)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"VERSION", "CHECKSUM", "AUTHOR", "CREATED"}, strings.Fields(lines[0]))
	assert.Equal(t, "sha256:"+sum.Digest[:12], strings.Fields(lines[1])[1])
	assert.Equal(t, []string{"0.1", "md5:abc", "-"}, strings.Fields(lines[2]))
}

func TestPairTable_SortsKeys(t *testing.T) {
	tbl := pairTable([]string{"key", "value"}, map[string]int{"b": 2, "a": 1}, func(v int) string {
		return strings.Repeat("*", v)
	})
	assert.Equal(t, [][]string{{"a", "*"}, {"b", "**"}}, tbl.rows)
}
