// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/logging"
)

func newConfigCmd(appConfig *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: i18n.T("config.short"),
	}
	cmd.AddCommand(newConfigWriteCmd(appConfig))
	return cmd
}

func newConfigWriteCmd(appConfig *config.Config) *cobra.Command {
	var system bool
	cmd := &cobra.Command{
		Use:   "write",
		Short: i18n.T("config.write_short"),
		Long: `Writes the effective configuration (defaults, file, environment and flags
merged) to tokenagent.yaml so later runs pick it up without flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(system)
			if err != nil {
				return err
			}
			c := *appConfig
			c.Language = i18n.GetLang()
			logging.Debugf("writing configuration to %s", path)
			if err := config.WriteConfigFile(&c, system); err != nil {
				return errors.New(i18n.T("config.error_write", err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("config.written", path))
			return nil
		},
	}
	cmd.Flags().BoolVar(&system, "system", false, "write the system-wide file instead of the user file")
	cmd.Flags().Duration("read-timeout", 0, "agent read timeout to store")
	cmd.Flags().Int("slot", -1, "PKCS#11 slot ID to store")
	cmd.Flags().String("token-label", "", "token label to store")
	cmd.Flags().String("audit-type", "sqlite", "audit database type to store")
	cmd.Flags().String("audit-dsn", "", "audit database DSN to store")
	return cmd
}
