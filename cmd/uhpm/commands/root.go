// Package commands wires the uhpm CLI: thin cobra commands over
// pkg/engine, with shared construction of the store, fetcher, symlink
// manager and resolver from the configured root.
package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arthur-debert/uhpm/internal/version"
	"github.com/arthur-debert/uhpm/pkg/config"
	"github.com/arthur-debert/uhpm/pkg/engine"
	"github.com/arthur-debert/uhpm/pkg/errors"
	"github.com/arthur-debert/uhpm/pkg/fetcher"
	"github.com/arthur-debert/uhpm/pkg/logging"
	"github.com/arthur-debert/uhpm/pkg/paths"
	"github.com/arthur-debert/uhpm/pkg/repo"
	"github.com/arthur-debert/uhpm/pkg/resolver"
	"github.com/arthur-debert/uhpm/pkg/store"
	"github.com/arthur-debert/uhpm/pkg/symlink"
	"github.com/arthur-debert/uhpm/pkg/types"
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	var (
		verbosity int
		root      string
		force     bool
	)

	rootCmd := &cobra.Command{
		Use:     "uhpm",
		Short:   MsgRootShort,
		Long:    MsgRootLong,
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", MsgFlagVerbose)
	rootCmd.PersistentFlags().StringVar(&root, "root", "", MsgFlagRoot)

	var (
		installFiles []string
		checksum     string
	)
	installCmd := &cobra.Command{
		Use:   "install [package[@constraint]]...",
		Short: MsgInstallShort,
		Long:  MsgInstallLong,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(installFiles) == 0 && len(args) == 0 {
				return errors.New(errors.ErrInvalidInput, "nothing to install: name a package or pass --file")
			}
			if len(installFiles) > 0 && len(args) > 0 {
				return errors.New(errors.ErrInvalidInput, "cannot mix --file archives and package names")
			}
			if checksum != "" && len(installFiles) != 1 {
				return errors.New(errors.ErrInvalidInput, "--checksum requires exactly one --file archive")
			}
			if checksum != "" {
				if err := fetcher.Verify(installFiles[0], checksum); err != nil {
					return err
				}
			}
			reqs, err := parseRequirements(args)
			if err != nil {
				return err
			}

			app, err := newApp(root)
			if err != nil {
				return err
			}

			var report *engine.Report
			stop := watchFetchProgress(cmd, app.events)
			if len(installFiles) > 0 {
				report, err = app.engine.InstallFile(cmd.Context(), installFiles)
			} else {
				report, err = app.engine.Install(cmd.Context(), reqs)
			}
			stop()
			if err != nil {
				return err
			}
			return renderReport(cmd, report)
		},
	}
	installCmd.Flags().StringArrayVar(&installFiles, "file", nil, MsgFlagFile)
	installCmd.Flags().StringVar(&checksum, "checksum", "", MsgFlagChecksum)

	removeCmd := &cobra.Command{
		Use:   "remove <package>...",
		Short: MsgRemoveShort,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(root)
			if err != nil {
				return err
			}
			report, err := app.engine.Remove(cmd.Context(), args, force)
			if err != nil {
				return err
			}
			return renderReport(cmd, report)
		},
	}
	removeCmd.Flags().BoolVar(&force, "force", false, MsgFlagForce)

	switchCmd := &cobra.Command{
		Use:   "switch <package> <version>",
		Short: MsgSwitchShort,
		Long:  MsgSwitchLong,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(root)
			if err != nil {
				return err
			}
			report, err := app.engine.Switch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return renderReport(cmd, report)
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <package>",
		Short: MsgUpdateShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(root)
			if err != nil {
				return err
			}
			stop := watchFetchProgress(cmd, app.events)
			report, err := app.engine.Update(cmd.Context(), args[0])
			stop()
			if err != nil {
				return err
			}
			return renderReport(cmd, report)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: MsgListShort,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(root)
			if err != nil {
				return err
			}
			rows, err := app.store.ListInstalled()
			if err != nil {
				return err
			}
			renderInstalled(cmd, rows)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: MsgVersionShort,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uhpm version %s\n", version.Version)
			fmt.Printf("  commit: %s\n", version.Commit)
			fmt.Printf("  built:  %s\n", version.Date)
		},
	}

	completionCmd := &cobra.Command{
		Use:                   "completion [bash|zsh|fish|powershell]",
		Short:                 "Generate shell completion script",
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Run: func(cmd *cobra.Command, args []string) {
			switch args[0] {
			case "bash":
				if err := cmd.Root().GenBashCompletion(cmd.OutOrStdout()); err != nil {
					log.Error().Err(err).Msg("Failed to generate bash completion")
				}
			case "zsh":
				if err := cmd.Root().GenZshCompletion(cmd.OutOrStdout()); err != nil {
					log.Error().Err(err).Msg("Failed to generate zsh completion")
				}
			case "fish":
				if err := cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true); err != nil {
					log.Error().Err(err).Msg("Failed to generate fish completion")
				}
			case "powershell":
				if err := cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout()); err != nil {
					log.Error().Err(err).Msg("Failed to generate powershell completion")
				}
			}
		},
	}

	rootCmd.AddCommand(installCmd, removeCmd, switchCmd, updateCmd, listCmd, versionCmd, completionCmd)
	return rootCmd
}

// app bundles everything a command needs, built once per invocation.
type app struct {
	engine *engine.Engine
	store  *store.Store
	events chan fetcher.Event
}

func newApp(root string) (*app, error) {
	p, err := paths.New(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(p.ConfigPath())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(p.DBPath())
	if err != nil {
		return nil, err
	}

	events := make(chan fetcher.Event, 64)
	repos := repo.New(cfg.Repositories)
	f := fetcher.New(filepath.Join(p.StagingDir(), "downloads"), cfg.Fetch,
		fetcher.WithLocator(repos), fetcher.WithEvents(events))
	links := symlink.New(cfg.VariableContext(p.VariableContext()))
	rz := resolver.New(st, repos)

	return &app{
		engine: engine.New(st, f, links, rz, repos, p, cfg),
		store:  st,
		events: events,
	}, nil
}

// parseRequirements splits "name@constraint" arguments.
func parseRequirements(args []string) ([]types.Requirement, error) {
	reqs := make([]types.Requirement, 0, len(args))
	for _, arg := range args {
		name, constraint, _ := strings.Cut(arg, "@")
		if name == "" {
			return nil, errors.Newf(errors.ErrInvalidInput, "invalid package argument %q", arg)
		}
		reqs = append(reqs, types.Requirement{Name: name, Constraint: strings.TrimSpace(constraint)})
	}
	return reqs, nil
}
