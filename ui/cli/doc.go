// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the tokenagent command line using Cobra. serve runs
// the agent; add and list are thin clients of a running agent. audit reads
// the audit log directly and config write persists the merged settings.
// Protocol and token logic live in internal/agent and internal/token.
package cli
