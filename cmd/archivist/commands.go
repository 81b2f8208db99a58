package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archivist-dev/archivist/pkg/archive"
	"github.com/archivist-dev/archivist/pkg/cachecoord"
	"github.com/archivist-dev/archivist/pkg/config"
	"github.com/archivist-dev/archivist/pkg/history"
	"github.com/archivist-dev/archivist/pkg/version"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		dir   string
		name  string
		email string
		force bool
	)
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default configuration file",
		Annotations: map[string]string{"skipSetup": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.configPath)
			}
			cfg := config.Default(dir)
			cfg.User = config.UserConfig{Name: name, Email: email}
			if err := config.Write(a.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Data directory (default: $HOME/.archivist)")
	cmd.Flags().StringVar(&name, "user-name", os.Getenv("USER"), "Author recorded on new versions")
	cmd.Flags().StringVar(&email, "user-email", "", "Contact recorded on new versions")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	var (
		meta           []string
		tags           []string
		ignoreExisting bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an archive with an empty history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			arch, err := a.manager.Create(cmd.Context(), args[0], archive.CreateOptions{
				Metadata:       metadata,
				Tags:           tags,
				IgnoreExisting: ignoreExisting,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created archive %s\n", arch.Name())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Archive metadata as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Archive tag (repeatable)")
	cmd.Flags().BoolVar(&ignoreExisting, "ignore-existing", false, "Succeed if the archive already exists")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List archives",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.format()
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			archives, err := a.manager.List(cmd.Context(), prefix, tags...)
			if err != nil {
				return err
			}
			records := make([]history.ArchiveRecord, len(archives))
			for i, arch := range archives {
				records[i] = arch.Record()
			}
			return printOutput(cmd.OutOrStdout(), format, records, archiveTable(records))
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Only archives with this tag (repeatable)")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		bump       string
		prerelease string
		meta       []string
		deps       []string
		alsoCache  bool
	)
	cmd := &cobra.Command{
		Use:   "update NAME [FILE]",
		Short: "Record new content as the next version",
		Long: `Record the content of FILE (or stdin when FILE is omitted or "-") as the
next version of NAME. Content identical to the latest version creates no new
version; metadata and dependencies are applied to the latest version instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := version.ParseKind(bump)
			if err != nil {
				return err
			}
			stage, err := version.ParseStage(prerelease)
			if err != nil {
				return err
			}
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			dependencies, err := parsePairs(deps)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			record, err := arch.Update(cmd.Context(), in, archive.UpdateOptions{
				Bump:         kind,
				Prerelease:   stage,
				Metadata:     metadata,
				Dependencies: dependencies,
				AlsoCache:    alsoCache,
			})
			if err != nil {
				return err
			}
			if record == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Content unchanged; no new version")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", arch.Name(), record.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&bump, "bump", "", "Version component to bump: major, minor or patch (default patch)")
	cmd.Flags().StringVar(&prerelease, "prerelease", "", "Pre-release stage: alpha or beta")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Version metadata as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&deps, "dep", nil, "Dependency as archive=version; empty version means any (repeatable)")
	cmd.Flags().BoolVar(&alsoCache, "cache", false, "Also keep the content in the local cache")
	return cmd
}

// getArchive resolves the NAME argument and the --version flag.
func (a *app) getArchive(cmd *cobra.Command, name, versionFlag string) (*archive.Archive, *version.Version, error) {
	v, err := parseVersionFlag(versionFlag)
	if err != nil {
		return nil, nil, err
	}
	arch, err := a.manager.Get(cmd.Context(), name)
	if err != nil {
		return nil, nil, err
	}
	return arch, v, nil
}

func newDownloadCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "download NAME DEST",
		Short: "Copy a version of an archive to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			src, err := arch.Open(cmd.Context(), archive.OpenOptions{Version: v})
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, src); err != nil {
				dst.Close()
				return err
			}
			return dst.Close()
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version to download (default latest)")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "cat NAME",
		Short: "Print a version of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			f, err := arch.Open(cmd.Context(), archive.OpenOptions{Version: v})
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(cmd.OutOrStdout(), f)
			return err
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version to print (default latest)")
	return cmd
}

func newVersionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "versions NAME",
		Short: "List the versions of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.format()
			if err != nil {
				return err
			}
			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			versions, err := arch.Versions(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, len(versions))
			t := table{headers: []string{"version"}}
			for i, v := range versions {
				names[i] = v.String()
				t.rows = append(t.rows, []string{names[i]})
			}
			return printOutput(cmd.OutOrStdout(), format, names, t)
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history NAME",
		Short: "Show the version history of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.format()
			if err != nil {
				return err
			}
			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := arch.History(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), format, records, historyTable(records))
		},
	}
}

func newHashCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "hash NAME",
		Short: "Print the checksum of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			sum, err := arch.VersionHash(cmd.Context(), v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version (default latest)")
	return cmd
}

func newDepsCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "deps NAME",
		Short: "Show the dependencies of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.format()
			if err != nil {
				return err
			}
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			deps, err := arch.Dependencies(cmd.Context(), v)
			if err != nil {
				return err
			}
			t := pairTable([]string{"archive", "version"}, deps, func(constraint string) string {
				if constraint == "" {
					return "*"
				}
				return constraint
			})
			return printOutput(cmd.OutOrStdout(), format, deps, t)
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version (default latest)")
	return cmd
}

func newMetadataCmd(a *app) *cobra.Command {
	var (
		set   []string
		unset []string
	)
	cmd := &cobra.Command{
		Use:   "metadata NAME",
		Short: "Show or change archive metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.format()
			if err != nil {
				return err
			}
			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			changes, err := parseMetadata(set)
			if err != nil {
				return err
			}
			if len(unset) > 0 && changes == nil {
				changes = map[string]any{}
			}
			for _, k := range unset {
				changes[k] = nil
			}
			if len(changes) > 0 {
				if err := arch.UpdateMetadata(cmd.Context(), changes); err != nil {
					return err
				}
			}
			md, err := arch.Metadata(cmd.Context())
			if err != nil {
				return err
			}
			t := pairTable([]string{"key", "value"}, md, func(v any) string { return fmt.Sprint(v) })
			return printOutput(cmd.OutOrStdout(), format, md, t)
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "Set key=value (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "Remove a key (repeatable)")
	return cmd
}

func newTagCmd(a *app) *cobra.Command {
	var (
		add    []string
		remove []string
	)
	cmd := &cobra.Command{
		Use:   "tag NAME",
		Short: "Show or change archive tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(add) > 0 {
				if err := arch.AddTags(cmd.Context(), add...); err != nil {
					return err
				}
			}
			if len(remove) > 0 {
				if err := arch.RemoveTags(cmd.Context(), remove...); err != nil {
					return err
				}
			}
			tags, err := arch.Tags(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(tags, " "))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&add, "add", nil, "Tag to add (repeatable)")
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "Tag to remove (repeatable)")
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "cache NAME",
		Short: "Fetch a version into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			if err := arch.Cache(cmd.Context(), v); err != nil {
				if errors.Is(err, cachecoord.ErrNoCache) {
					return fmt.Errorf("%w (enable cache in %s)", err, a.configPath)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version (default latest)")
	return cmd
}

func newUncacheCmd(a *app) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "uncache NAME",
		Short: "Drop a version from the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, v, err := a.getArchive(cmd, args[0], versionFlag)
			if err != nil {
				return err
			}
			return arch.RemoveFromCache(cmd.Context(), v)
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Version (default latest)")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an archive, all its contents and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("deleting an archive is irreversible; pass --yes to confirm")
			}
			arch, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := arch.Delete(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted archive %s\n", arch.Name())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}
