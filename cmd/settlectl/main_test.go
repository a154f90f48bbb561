package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"settlecore/crypto"
)

func TestKeygenThenAddress(t *testing.T) {
	t.Setenv(defaultPassEnv, "correct horse")
	path := filepath.Join(t.TempDir(), "op.keystore")

	var out bytes.Buffer
	if err := run([]string{"keygen", "--keystore", path}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out.String(), "address:  stl1") {
		t.Fatalf("unexpected keygen output %q", out.String())
	}
	if err := run([]string{"keygen", "--keystore", path}, &out); err == nil {
		t.Fatalf("expected refusal to overwrite keystore")
	}

	var addr bytes.Buffer
	if err := run([]string{"address", "--keystore", path}, &addr); err != nil {
		t.Fatalf("address: %v", err)
	}
	if !strings.Contains(out.String(), strings.TrimSpace(addr.String())) {
		t.Fatalf("address %q does not match keygen output %q", addr.String(), out.String())
	}
}

func TestAddressModuleAndDecode(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"address", "--module", "cdp/treasury"}, &out); err != nil {
		t.Fatalf("module address: %v", err)
	}
	want := crypto.ModuleAddress("cdp/treasury").String()
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("expected %s, got %s", want, out.String())
	}

	out.Reset()
	if err := run([]string{"address", "--decode", want}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.String(), "prefix: stlmod") {
		t.Fatalf("unexpected decode output %q", out.String())
	}

	if err := run([]string{"address"}, &out); err == nil {
		t.Fatalf("expected error without a mode flag")
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv(defaultSecretEnv, "")
	subject := crypto.ModuleAddress("keeper").String()
	var out bytes.Buffer
	if err := run([]string{"token", "--subject", subject}, &out); err == nil {
		t.Fatalf("expected missing secret error")
	}

	t.Setenv(defaultSecretEnv, "s3cret")
	if err := run([]string{"token", "--subject", subject, "--issuer", "settle", "--scope", "orders"}, &out); err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Fatalf("expected a compact JWT, got %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"frobnicate"}, &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
