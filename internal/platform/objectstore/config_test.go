package objectstore

import "testing"

func TestConfigFromEnvRequiresBucket(t *testing.T) {
	if _, err := ConfigFromEnv(""); err == nil {
		t.Fatalf("expected error without bucket")
	}
	cfg, err := ConfigFromEnv("hxo-certificates")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Bucket != "hxo-certificates" {
		t.Fatalf("unexpected bucket %q", cfg.Bucket)
	}
}

func TestConfigRejectsSchemeInEndpoint(t *testing.T) {
	cfg := Config{Endpoint: "http://minio:9000", AccessKey: "a", SecretKey: "b", Region: "r", Bucket: "c"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme rejection")
	}
}
