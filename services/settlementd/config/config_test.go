package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settlementd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: " DEV "
tls:
  allow_insecure: true
rate_limits:
  " Orders ":
    requestsPerMinute: 30
    burst: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != defaultListen {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment not normalised: %q", cfg.Environment)
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.Path != "data/settlement" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout)
	}
	if limit, ok := cfg.RateLimits["orders"]; !ok || limit.Burst != 5 {
		t.Fatalf("rate limit keys not normalised: %+v", cfg.RateLimits)
	}
	if cfg.History.Buffer != 1024 {
		t.Fatalf("unexpected buffer size %d", cfg.History.Buffer)
	}
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9000"
environment: prod
shutdown_timeout: 3s
tls:
  cert: server.crt
  key: server.key
storage:
  backend: bolt
  path: /var/lib/settle/state.db
auth:
  enabled: true
  issuer: settle-auth
  clock_skew: 5s
history:
  driver: postgres
  dsn: postgres://settle@localhost/settle
logging:
  level: debug
  file: /var/log/settlementd.log
keeper:
  enabled: true
  operator: stl1qsqqqqqqqqqqqqqqqqqqqqqqqqqqqqqycyj0s0
  interval: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ShutdownTimeout != 3*time.Second || cfg.Auth.ClockSkew != 5*time.Second {
		t.Fatalf("durations not decoded: %s %s", cfg.ShutdownTimeout, cfg.Auth.ClockSkew)
	}
	if cfg.Storage.Backend != "bolt" {
		t.Fatalf("unexpected backend %q", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging level %q", cfg.Logging.Level)
	}
	if cfg.Keeper.Interval != time.Second {
		t.Fatalf("unexpected keeper interval %s", cfg.Keeper.Interval)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"missing tls": `
environment: dev
`,
		"auth disabled outside dev": `
environment: prod
tls:
  allow_insecure: true
`,
		"faucet outside dev": `
environment: prod
dev_faucet: true
tls:
  allow_insecure: true
auth:
  enabled: true
  issuer: settle
`,
		"unknown backend": `
environment: dev
tls:
  allow_insecure: true
storage:
  backend: rocksdb
`,
		"history without dsn": `
environment: dev
tls:
  allow_insecure: true
history:
  driver: sqlite
`,
		"keeper without operator": `
environment: dev
tls:
  allow_insecure: true
keeper:
  enabled: true
`,
		"unknown field": `
environment: dev
tls:
  allow_insecure: true
listen_port: 80
`,
	}
	for name, contents := range cases {
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAuthenticatorConfigReadsSecret(t *testing.T) {
	cfg := Config{Auth: AuthConfig{Enabled: true, Issuer: "settle", HMACSecretEnv: "SECRET"}}
	lookup := func(key string) (string, bool) {
		if key == "SECRET" {
			return " s3cret ", true
		}
		return "", false
	}
	out, err := cfg.AuthenticatorConfig(lookup)
	if err != nil {
		t.Fatalf("authenticator config: %v", err)
	}
	if out.HMACSecret != "s3cret" || !out.Enabled {
		t.Fatalf("unexpected auth config %+v", out)
	}

	_, err = cfg.AuthenticatorConfig(func(string) (string, bool) { return "", false })
	if err == nil || !strings.Contains(err.Error(), "SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
