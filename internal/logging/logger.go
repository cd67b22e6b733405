// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package logging owns the process-wide logger. Components that want their
// own logger take a *log.Logger field and fall back to L when it is nil.
package logging

import (
	"fmt"
	"io"
	"os"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger. It writes to stderr so stdout stays free
// for the environment snippet printed by `serve`.
var L = clog.NewWithOptions(os.Stderr, clog.Options{
	ReportTimestamp: true,
	Prefix:          "tokenagent",
})

// Configure sets the level of L from a textual level ("debug", "info",
// "warn", "error") and optionally redirects its output.
func Configure(level string, out io.Writer) error {
	if level != "" {
		lvl, err := clog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		L.SetLevel(lvl)
	}
	if out != nil {
		L.SetOutput(out)
	}
	return nil
}

// Or returns l, or L when l is nil.
func Or(l *clog.Logger) *clog.Logger {
	if l == nil {
		return L
	}
	return l
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}
