package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/history"
)

// outputFormat specifies how to render CLI output.
type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

// parseOutputFormat parses and validates the --output flag.
func parseOutputFormat(s string) (outputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return outputTable, nil
	case "json":
		return outputJSON, nil
	case "yaml":
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", s)
	}
}

// table is the tabular rendering of a command result. The structured
// formats ignore it and encode the result itself.
type table struct {
	headers []string
	rows    [][]string
}

// printOutput renders data in the requested format.
func printOutput(w io.Writer, format outputFormat, data any, t table) error {
	switch format {
	case outputJSON:
		return printJSON(w, data)
	case outputYAML:
		return printYAML(w, data)
	default:
		return printTable(w, t)
	}
}

// printJSON writes data as indented JSON followed by a newline.
func printJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// printYAML writes data as a single YAML document. Versions and checksums
// are rendered through their text and struct tags.
func printYAML(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(data)
}

// printTable writes aligned columns with upper-cased headers.
func printTable(w io.Writer, t table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(t.headers, "\t")))
	for _, row := range t.rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func archiveTable(records []history.ArchiveRecord) table {
	t := table{headers: []string{"name", "tags", "created by", "created"}}
	for _, r := range records {
		t.rows = append(t.rows, []string{r.Name, strings.Join(r.Tags, ","), r.CreatedBy, formatTime(r.CreatedAt)})
	}
	return t
}

func historyTable(records []history.VersionRecord) table {
	t := table{headers: []string{"version", "checksum", "author", "created"}}
	for _, r := range records {
		t.rows = append(t.rows, []string{r.Version.String(), shortChecksum(r.Checksum), r.Author, formatTime(r.CreatedAt)})
	}
	return t
}

// pairTable lists m sorted by key. render formats each value.
func pairTable[V any](headers []string, m map[string]V, render func(V) string) table {
	t := table{headers: headers}
	for _, k := range sortedKeys(m) {
		t.rows = append(t.rows, []string{k, render(m[k])})
	}
	return t
}

// shortChecksum keeps the algorithm and the first 12 digest digits, enough
// to tell versions apart at a glance.
func shortChecksum(c checksum.Checksum) string {
	const digits = 12
	if len(c.Digest) <= digits {
		return c.String()
	}
	return c.Algorithm + ":" + c.Digest[:digits]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
