package database

import (
	"strings"
	"testing"
)

func TestQuoteLiteral(t *testing.T) {
	cases := map[string]string{
		"UTC":           "'UTC'",
		"Asia/Shanghai": "'Asia/Shanghai'",
		"o'clock":       "'o''clock'",
	}
	for in, want := range cases {
		if got := quoteLiteral(in); got != want {
			t.Fatalf("quoteLiteral(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(Config{Driver: "mysql", DSN: "x"})
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("DATABASE_MAX_CONNS", "nope")
	t.Setenv("DATABASE_AUTO_MIGRATE", "1")

	cfg := ConfigFromEnv()
	if cfg.Driver != "postgres" || cfg.MaxConns != 10 || !cfg.AutoMigrate {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !strings.HasPrefix(cfg.DSN, "postgres://") {
		t.Fatalf("unexpected default dsn %q", cfg.DSN)
	}
}
