// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toeirei/tokenagent/internal/agent"
	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/security"
	"github.com/toeirei/tokenagent/internal/server"
)

func newAddCmd(appConfig *config.Config) *cobra.Command {
	var reader string
	var pinStdin bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: i18n.T("add.short"),
		Long: `Sends the PKCS#11 module path and the token PIN to the running agent. The
agent keeps them in memory and opens the token on the next list or sign
request. Running add again replaces the previous token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reader == "" {
				return errors.New(i18n.T("add.error_no_reader"))
			}
			pin, err := readPIN(cmd, reader, pinStdin)
			if err != nil {
				return errors.New(i18n.T("add.error_read_pin", err))
			}
			defer pin.Zero()

			conn, err := server.Dial(appConfig.Socket)
			if err != nil {
				return errors.New(i18n.T("common.error_connect", appConfig.Socket, err))
			}
			defer conn.Close()

			if err := agent.NewClient(conn).AddSmartcardKey(reader, *pin); err != nil {
				return errors.New(i18n.T("add.error_refused", err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("add.success", reader))
			return nil
		},
	}
	cmd.Flags().StringVarP(&reader, "reader", "r", "", "path of the PKCS#11 module, e.g. /usr/lib/opensc-pkcs11.so")
	cmd.Flags().BoolVar(&pinStdin, "pin-stdin", false, "read the PIN from the first line of stdin")
	return cmd
}

// readPIN prompts on the terminal without echo, or reads one line from
// stdin when it is not a terminal or --pin-stdin is set.
func readPIN(cmd *cobra.Command, reader string, fromStdin bool) (*security.Secret, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), i18n.T("add.pin_prompt", reader))
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		s := security.Secret(b)
		return &s, nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	s := security.FromString(strings.TrimRight(line, "\r\n"))
	return &s, nil
}
