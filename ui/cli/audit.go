// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/tokenagent/internal/audit"
	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/logging"
)

func newAuditCmd(appConfig *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: i18n.T("audit.short"),
		Long: `Prints the most recent entries of the audit log written by "tokenagent serve"
when audit.dsn is set. The agent does not need to be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appConfig.Audit.Dsn == "" {
				return errors.New(i18n.T("audit.error_not_configured"))
			}
			al, err := audit.Open(cmd.Context(), appConfig.Audit.Type, appConfig.Audit.Dsn)
			if err != nil {
				return errors.New(i18n.T("audit.error_open", err))
			}
			defer al.Close()

			logging.Debugf("reading up to %d audit entries from %s", limit, appConfig.Audit.Type)
			entries, err := al.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("audit.none"))
				return nil
			}
			printAuditEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show, newest first")
	cmd.Flags().String("audit-type", "sqlite", "audit database type (sqlite, postgres, mysql)")
	cmd.Flags().String("audit-dsn", "", "audit database DSN")
	return cmd
}

func printAuditEntries(out io.Writer, entries []audit.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUSER\tACTION\tREADER\tRESULT\tDETAIL")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = "failed: " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Username, e.Action, e.Reader, result, e.Detail)
	}
	w.Flush()
}
