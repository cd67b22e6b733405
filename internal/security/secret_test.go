// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.
package security

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	s := FromString("123456")
	for _, verb := range []string{"%v", "%s", "%q", "%#v", "%x"} {
		if got := fmt.Sprintf(verb, s); got != "[SECRET]" {
			t.Fatalf("%s: unexpected fmt output: %q", verb, got)
		}
	}
	b, err := json.Marshal(struct{ PIN Secret }{s})
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if string(b) != `{"PIN":"[SECRET]"}` {
		t.Fatalf("unexpected json marshal: %s", string(b))
	}
	if s.Reveal() != "123456" {
		t.Fatalf("Reveal returned %q", s.Reveal())
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("abc123")
	(&s).Zero()
	for i, c := range s {
		if c != 0 {
			t.Fatalf("expected zeroed byte at index %d, got %d", i, c)
		}
	}
	var nilSecret *Secret
	nilSecret.Zero()
}

func TestFromBytesCopies(t *testing.T) {
	src := []byte("pin")
	s := FromBytes(src)
	src[0] = 'x'
	if !s.Equal(FromString("pin")) {
		t.Fatalf("FromBytes must copy its input")
	}
	if s.Equal(FromString("pim")) {
		t.Fatalf("Equal matched different secrets")
	}
}
