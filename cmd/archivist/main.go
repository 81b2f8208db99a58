// Package main provides the archivist CLI for creating, updating and
// reading versioned archives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archivist-dev/archivist/pkg/archive"
	"github.com/archivist-dev/archivist/pkg/config"
	"github.com/archivist-dev/archivist/pkg/version"
)

var buildVersion = "dev"

// app holds state shared by all subcommands of one invocation.
type app struct {
	configPath string
	outputFlag string
	verbose    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	manager *archive.Manager
	closeFn func() error
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "archivist",
		Short: "Versioned archives over a shared authority store",
		Long: `archivist keeps successive versions of named archives in an
authoritative store, records their history in a database, and serves reads
through an optional local cache.

Run "archivist init" once to write a configuration file.`,
		Version:      buildVersion,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipSetup"] == "true" {
				return nil
			}
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	rootCmd.SetIn(a.stdin)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().StringVarP(&a.outputFlag, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newInitCmd(a))
	rootCmd.AddCommand(newCreateCmd(a))
	rootCmd.AddCommand(newListCmd(a))
	rootCmd.AddCommand(newUpdateCmd(a))
	rootCmd.AddCommand(newDownloadCmd(a))
	rootCmd.AddCommand(newCatCmd(a))
	rootCmd.AddCommand(newVersionsCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newHashCmd(a))
	rootCmd.AddCommand(newDepsCmd(a))
	rootCmd.AddCommand(newMetadataCmd(a))
	rootCmd.AddCommand(newTagCmd(a))
	rootCmd.AddCommand(newCacheCmd(a))
	rootCmd.AddCommand(newUncacheCmd(a))
	rootCmd.AddCommand(newDeleteCmd(a))
	return rootCmd
}

func (a *app) setup(ctx context.Context) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(a.configPath, false)
	if err != nil {
		return err
	}
	manager, closeFn, err := buildManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.cfg, a.manager, a.closeFn = cfg, manager, closeFn
	return nil
}

func (a *app) close() error {
	if a.closeFn == nil {
		return nil
	}
	err := a.closeFn()
	a.closeFn = nil
	return err
}

func (a *app) format() (outputFormat, error) {
	return parseOutputFormat(a.outputFlag)
}

// parsePairs parses repeated key=value flags.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// parseMetadata is parsePairs with values typed as any.
func parseMetadata(pairs []string) (map[string]any, error) {
	kv, err := parsePairs(pairs)
	if err != nil || len(kv) == 0 {
		return nil, err
	}
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out, nil
}

// parseVersionFlag returns nil for an empty flag, meaning the latest
// version.
func parseVersionFlag(s string) (*version.Version, error) {
	if s == "" {
		return nil, nil
	}
	v, err := version.Parse(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		_ = a.close()
		os.Exit(1)
	}
}
