package config

import "testing"

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoadRequiresEndpoint(t *testing.T) {
	withEnv(t, map[string]string{envEndpoint: ""}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected error when endpoint is missing")
		}
	})
}

func TestLoadRejectsMalformedEndpoint(t *testing.T) {
	withEnv(t, map[string]string{envEndpoint: "not-a-url"}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected error for relative/malformed endpoint")
		}
	})
}

func TestLoadRejectsPartialStaticCredentials(t *testing.T) {
	withEnv(t, map[string]string{
		envEndpoint:  "http://upstream.example.com",
		envAccessKey: "AKID",
		envSecretKey: "",
	}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected error when only one of access/secret key is set")
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		envEndpoint:   "https://s3.example.com:9000",
		envAccessKey:  "",
		envSecretKey:  "",
		envContainer:  "",
		envListenAddr: "",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Region != defaultRegion {
			t.Errorf("Region = %q, want %q", cfg.Region, defaultRegion)
		}
		if cfg.Service != defaultService {
			t.Errorf("Service = %q, want %q", cfg.Service, defaultService)
		}
		if cfg.ListenAddr != defaultListenAddr {
			t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
		}
		if cfg.EndpointURL.Host != "s3.example.com:9000" {
			t.Errorf("EndpointURL.Host = %q", cfg.EndpointURL.Host)
		}
	})
}

func TestLoadStaticCredentials(t *testing.T) {
	withEnv(t, map[string]string{
		envEndpoint:  "http://upstream.example.com",
		envAccessKey: "AKID",
		envSecretKey: "SECRET",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AccessKeyID != "AKID" || cfg.SecretAccessKey != "SECRET" {
			t.Errorf("unexpected static credentials: %+v", cfg)
		}
	})
}
