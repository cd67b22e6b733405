// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.
package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_RecordAndRecent(t *testing.T) {
	l := openTestLog(t)

	l.Record(Event{Action: ActionAddKey, Reader: "/usr/lib/opensc-pkcs11.so"})
	l.Record(Event{Action: ActionListIdentities, Reader: "/usr/lib/opensc-pkcs11.so", Detail: "2 identities"})
	l.Record(Event{Action: ActionSign, Reader: "/usr/lib/opensc-pkcs11.so", Detail: "SHA256:abc", Err: errors.New("key not found on token")})

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	newest := entries[0]
	if newest.Action != string(ActionSign) || newest.Success || newest.Error != "key not found on token" {
		t.Fatalf("unexpected newest entry %+v", newest)
	}
	if entries[2].Action != string(ActionAddKey) || !entries[2].Success {
		t.Fatalf("unexpected oldest entry %+v", entries[2])
	}
	if newest.Username == "" || newest.CreatedAt.IsZero() {
		t.Fatalf("username and timestamp must be filled: %+v", newest)
	}

	limited, err := l.Recent(context.Background(), 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %d %v", len(limited), err)
	}
}

func TestOpen_FileBackedReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Record(Event{Action: ActionAddKey, Reader: "a.so"})
	_ = l.Close()

	l, err = Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	entries, err := l.Recent(context.Background(), 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected persisted entry, got %d %v", len(entries), err)
	}
}

func TestOpen_UnsupportedType(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatalf("expected error for unsupported database type")
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Event{Action: ActionSign})
}
