package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes one CLI invocation against the config at cfgPath.
func run(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := &app{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr}
	root := newRootCmd(a)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	_ = a.close()
	return stdout.String(), err
}

func mustRun(t *testing.T, cfgPath, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, cfgPath, stdin, args...)
	require.NoError(t, err, "archivist %s", strings.Join(args, " "))
	return out
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	out := mustRun(t, cfgPath, "", "init", "--dir", dir, "--user-name", "ada", "--user-email", "ada@example.com")
	assert.Contains(t, out, "Wrote")
	return cfgPath
}

func TestCLI_Workflow(t *testing.T) {
	cfgPath := initWorkspace(t)

	mustRun(t, cfgPath, "", "create", "reports/q1", "--tag", "finance", "--meta", "owner=ops")
	out := mustRun(t, cfgPath, "hello", "update", "reports/q1")
	assert.Equal(t, "reports/q1 0.0.1\n", out)

	out = mustRun(t, cfgPath, "hello", "update", "reports/q1")
	assert.Contains(t, out, "no new version")

	src := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o600))
	out = mustRun(t, cfgPath, "", "update", "reports/q1", src, "--bump", "minor", "--dep", "base=1.0", "--cache")
	assert.Equal(t, "reports/q1 0.1\n", out)

	out = mustRun(t, cfgPath, "", "versions", "reports/q1")
	assert.Contains(t, out, "0.0.1")
	assert.Contains(t, out, "0.1")

	assert.Equal(t, "hello world", mustRun(t, cfgPath, "", "cat", "reports/q1"))
	assert.Equal(t, "hello", mustRun(t, cfgPath, "", "cat", "reports/q1", "--version", "0.0.1"))

	dest := filepath.Join(t.TempDir(), "out.txt")
	mustRun(t, cfgPath, "", "download", "reports/q1", dest, "--version", "0.0.1")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out = mustRun(t, cfgPath, "", "hash", "reports/q1")
	assert.True(t, strings.HasPrefix(out, "sha256:"))

	out = mustRun(t, cfgPath, "", "deps", "reports/q1", "-o", "json")
	var deps map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &deps))
	assert.Equal(t, map[string]string{"base": "1.0"}, deps)

	out = mustRun(t, cfgPath, "", "history", "reports/q1", "-o", "json")
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "0.0.1", records[0]["version"])
	assert.Equal(t, "ada", records[0]["author"])

	out = mustRun(t, cfgPath, "", "history", "reports/q1", "-o", "yaml")
	assert.Contains(t, out, "version: 0.0.1")

	out = mustRun(t, cfgPath, "", "list", "--tag", "finance")
	assert.Contains(t, out, "reports/q1")
	out = mustRun(t, cfgPath, "", "list", "--tag", "other")
	assert.NotContains(t, out, "reports/q1")

	out = mustRun(t, cfgPath, "", "metadata", "reports/q1", "--set", "quarter=1", "--unset", "owner", "-o", "json")
	var md map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.Equal(t, map[string]any{"quarter": "1"}, md)

	out = mustRun(t, cfgPath, "", "tag", "reports/q1", "--add", "Audited", "--remove", "finance")
	assert.Equal(t, "audited\n", out)

	mustRun(t, cfgPath, "", "uncache", "reports/q1")
	mustRun(t, cfgPath, "", "cache", "reports/q1", "--version", "0.0.1")

	_, err = run(t, cfgPath, "", "delete", "reports/q1")
	require.Error(t, err)
	mustRun(t, cfgPath, "", "delete", "reports/q1", "--yes")

	_, err = run(t, cfgPath, "", "versions", "reports/q1")
	assert.Error(t, err)
}

func TestCLI_Errors(t *testing.T) {
	cfgPath := initWorkspace(t)

	_, err := run(t, cfgPath, "", "init")
	assert.Error(t, err, "init refuses to overwrite")

	_, err = run(t, cfgPath, "x", "update", "missing")
	assert.Error(t, err)

	mustRun(t, cfgPath, "", "create", "a")
	_, err = run(t, cfgPath, "", "create", "a")
	assert.Error(t, err)
	mustRun(t, cfgPath, "", "create", "a", "--ignore-existing")

	_, err = run(t, cfgPath, "x", "update", "a", "--bump", "huge")
	assert.Error(t, err)
	_, err = run(t, cfgPath, "", "cat", "a", "--version", "not-a-version")
	assert.Error(t, err)
	_, err = run(t, cfgPath, "", "list", "-o", "xml")
	assert.Error(t, err)
	_, err = run(t, cfgPath, "", "create", "b", "--meta", "novalue")
	assert.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"a=1", "b=", "c=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "", "c": "x=y"}, got)

	_, err = parsePairs([]string{"=v"})
	assert.Error(t, err)
}
