package main

import "testing"

func TestConfigPrecedence(t *testing.T) {
	if got := getConfigString("POOL_TEST_UNSET", "", "fallback"); got != "fallback" {
		t.Fatalf("default not used: %q", got)
	}
	if got := getConfigString("POOL_TEST_UNSET", "from-file", "fallback"); got != "from-file" {
		t.Fatalf("file value not used: %q", got)
	}
	t.Setenv("POOL_TEST_SET", "from-env")
	if got := getConfigString("POOL_TEST_SET", "from-file", "fallback"); got != "from-env" {
		t.Fatalf("env must win: %q", got)
	}

	t.Setenv("POOL_TEST_INT", "not-a-number")
	if got := getConfigInt("POOL_TEST_INT", 0, 7); got != 7 {
		t.Fatalf("malformed env int must fall through: %d", got)
	}
	t.Setenv("POOL_TEST_BOOL", "true")
	if !getConfigBool("POOL_TEST_BOOL", false, false) {
		t.Fatalf("env bool not honored")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	cfg, err := loadConfigFile("does-not-exist.toml")
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file")
	}
}
