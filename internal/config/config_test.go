package config

import "testing"

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_MissingRequiredFieldsErrors(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when required cert/key/CA paths are unset")
	}
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	setEnv(t, map[string]string{
		"CONTROLLER_CERT_PATH":      "/tmp/cert.pem",
		"CONTROLLER_KEY_PATH":       "/tmp/key.pem",
		"CA_CERT_PATH":              "/tmp/ca.pem",
		"STALE_TIMEOUT_SECONDS":     "240",
		"CONTROLLER_HTTPS_PORT":     "9100",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleTimeoutSeconds != 240 {
		t.Fatalf("expected overridden stale timeout 240, got %d", cfg.StaleTimeoutSeconds)
	}
	if cfg.ReapIntervalSeconds != 30 {
		t.Fatalf("expected default reap interval 30, got %d", cfg.ReapIntervalSeconds)
	}
	if cfg.Addr() != ":9100" {
		t.Fatalf("expected addr :9100, got %s", cfg.Addr())
	}
}
