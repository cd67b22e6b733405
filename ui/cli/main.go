// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for tokenagent using Cobra. It
// defines the root command, the shared configuration bootstrap and the
// version helpers; each subcommand lives in its own file.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/toeirei/tokenagent/buildvars"
	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/logging"
	"github.com/toeirei/tokenagent/internal/server"
	"github.com/toeirei/tokenagent/internal/token"
)

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

// moduleLoader opens PKCS#11 modules for the serve command. Tests swap it
// for a fake token.
var moduleLoader token.Loader = token.DefaultLoader

// setupDefaultServices loads the configuration into appConfig and applies
// the language and log level before any subcommand runs.
func setupDefaultServices(appConfig *config.Config) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		configPath, err := getConfigPathFromCli(cmd)
		if err != nil {
			return err
		}

		loaded, err := config.LoadConfig[config.Config](cmd, config.Defaults(server.DefaultPath()), configPath)
		if err != nil {
			return errors.New(i18n.T("config.error_load", err))
		}
		if loaded.Socket == "" {
			loaded.Socket = server.DefaultPath()
		}
		*appConfig = loaded

		lang := appConfig.Language
		if _, ok := i18n.GetAvailableLocales()[lang]; !ok {
			if lang != "" {
				logging.Warnf("unsupported language %q, using English", lang)
			}
			lang = "en"
		}
		i18n.SetLang(lang)
		appConfig.Language = i18n.GetLang()

		if err := logging.Configure(appConfig.Log.Level, nil); err != nil {
			return errors.New(i18n.T("config.error_log_level", err))
		}
		logging.L.Debug("configuration loaded", "socket", appConfig.Socket, "language", appConfig.Language)
		return nil
	}
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// Execute runs the CLI entrypoint.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds a fresh command tree. Tests call it once per case.
func NewRootCmd() *cobra.Command {
	i18n.Init("en")
	appConfig := &config.Config{}

	cmd := &cobra.Command{
		Use:               "tokenagent",
		Short:             i18n.T("root.short"),
		Long:              i18n.T("root.long"),
		SilenceUsage:      true,
		PersistentPreRunE: setupDefaultServices(appConfig),
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("socket", "", "agent socket path (default $TMPDIR/tokenagent-<uid>/agent.sock)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("language", "en", `message language ("en", "de")`)

	cmd.AddCommand(
		newServeCmd(appConfig),
		newAddCmd(appConfig),
		newListCmd(appConfig),
		newAuditCmd(appConfig),
		newConfigCmd(appConfig),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: i18n.T("version.short"),
		// Printing the version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If info is nil, it reads build info from the
// runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}

	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		if (resolvedVersion == "dev" || resolvedVersion == "(devel)") && info.Deps != nil {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/toeirei/tokenagent" && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
