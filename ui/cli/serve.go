// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toeirei/tokenagent/internal/agent"
	"github.com/toeirei/tokenagent/internal/audit"
	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/logging"
	"github.com/toeirei/tokenagent/internal/server"
	"github.com/toeirei/tokenagent/internal/token"
)

func newServeCmd(appConfig *config.Config) *cobra.Command {
	var csh bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: i18n.T("serve.short"),
		Long: `Binds the agent socket (owner-only) and answers SSH agent requests until
interrupted. The shell snippet printed on stdout sets SSH_AUTH_SOCK:

  eval "$(tokenagent serve)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *appConfig, cmd.OutOrStdout(), cmd.ErrOrStderr(), csh)
		},
	}
	cmd.Flags().BoolVar(&csh, "csh", false, "print C shell syntax")
	cmd.Flags().Duration("read-timeout", agent.DefaultReadTimeout, "how long to wait for a complete request frame")
	cmd.Flags().Int("slot", -1, "PKCS#11 slot ID to use (default: first slot with a token)")
	cmd.Flags().String("token-label", "", "use the slot whose token carries this label")
	cmd.Flags().String("audit-type", "sqlite", "audit database type (sqlite, postgres, mysql)")
	cmd.Flags().String("audit-dsn", "", "audit database DSN; empty disables the audit log")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, stdout, stderr io.Writer, csh bool) error {
	adapter := token.NewAdapter(moduleLoader, cfg.SlotPolicy())
	defer func() {
		if n := adapter.Modules.Loaded(); n != 0 {
			logging.Warnf("%d PKCS#11 module(s) still loaded at shutdown", n)
		}
	}()

	h := agent.NewHandler(adapter)
	if cfg.Agent.ReadTimeout > 0 {
		h.ReadTimeout = cfg.Agent.ReadTimeout
	}
	if cfg.Audit.Dsn != "" {
		al, err := audit.Open(ctx, cfg.Audit.Type, cfg.Audit.Dsn)
		if err != nil {
			return errors.New(i18n.T("audit.error_open", err))
		}
		defer func() {
			if err := al.Close(); err != nil {
				logging.Errorf("closing audit log: %v", err)
			}
		}()
		h.Audit = al
		logging.Infof("audit log enabled (%s)", cfg.Audit.Type)
	}

	ln, err := server.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	printEnv(stdout, cfg.Socket, csh)
	fmt.Fprintln(stderr, i18n.T("serve.listening", cfg.Socket))

	srv := server.New(cfg.Socket, h)
	if err := srv.ServeListener(ctx, ln); err != nil {
		return err
	}
	fmt.Fprintln(stderr, i18n.T("serve.stopped"))
	return nil
}

// printEnv writes the snippet a shell evaluates to find the agent.
func printEnv(w io.Writer, socket string, csh bool) {
	if csh {
		fmt.Fprintf(w, "setenv SSH_AUTH_SOCK %s;\n", socket)
		return
	}
	fmt.Fprintf(w, "SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;\n", socket)
}
