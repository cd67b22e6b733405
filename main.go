// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for tokenagent.
//
// Usage:
//
//	eval "$(tokenagent serve)"
//	tokenagent add --reader /usr/lib/opensc-pkcs11.so
//	tokenagent list
//
// See --help for options.
package main

import (
	"os"

	"github.com/toeirei/tokenagent/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
