// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/toeirei/tokenagent/internal/config"
	"github.com/toeirei/tokenagent/internal/i18n"
	"github.com/toeirei/tokenagent/internal/server"
)

// copyToClipboard is replaced in tests; CI machines have no clipboard.
var copyToClipboard = clipboard.WriteAll

func newListCmd(appConfig *config.Config) *cobra.Command {
	var copyKeys bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: i18n.T("list.short"),
		Long: `Asks the agent for its identities and prints them in authorized_keys
format, ready to be appended to ~/.ssh/authorized_keys on a server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := server.Dial(appConfig.Socket)
			if err != nil {
				return errors.New(i18n.T("common.error_connect", appConfig.Socket, err))
			}
			defer conn.Close()

			keys, err := sshagent.NewClient(conn).List()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("list.none"))
				return nil
			}

			var buf bytes.Buffer
			for _, k := range keys {
				buf.Write(authorizedKeyLine(k))
			}
			if _, err := cmd.OutOrStdout().Write(buf.Bytes()); err != nil {
				return err
			}
			if copyKeys {
				if err := copyToClipboard(buf.String()); err != nil {
					return errors.New(i18n.T("list.error_clipboard", err))
				}
				fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("list.copied", len(keys)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyKeys, "copy", false, "also copy the keys to the clipboard")
	return cmd
}

// authorizedKeyLine renders k as "<type> <base64> <comment>\n".
func authorizedKeyLine(k *sshagent.Key) []byte {
	line := bytes.TrimRight(ssh.MarshalAuthorizedKey(k), "\n")
	if k.Comment != "" {
		line = append(line, ' ')
		line = append(line, k.Comment...)
	}
	return append(line, '\n')
}
