package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestApplyFlagEnv(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	relay := flags.String("relay", "", "")
	insecure := flags.Bool("insecure", false, "")
	timeout := flags.Duration("timeout", time.Second, "")
	token := flags.String("token", "default", "")
	if err := flags.Parse([]string{"--token", "from-flag"}); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYTUN_TEST_RELAY", "https://relay.example.com")
	t.Setenv("RELAYTUN_TEST_INSECURE", "true")
	t.Setenv("RELAYTUN_TEST_TIMEOUT", "90s")
	t.Setenv("RELAYTUN_TEST_TOKEN", "from-env")

	err := ApplyFlagEnv(flags, FlagEnv{
		"relay":    "RELAYTUN_TEST_RELAY",
		"insecure": "RELAYTUN_TEST_INSECURE",
		"timeout":  "RELAYTUN_TEST_TIMEOUT",
		"token":    "RELAYTUN_TEST_TOKEN",
	})
	if err != nil {
		t.Fatalf("ApplyFlagEnv: %v", err)
	}
	if *relay != "https://relay.example.com" || !*insecure || *timeout != 90*time.Second {
		t.Fatalf("env not applied: %q %v %s", *relay, *insecure, *timeout)
	}
	if *token != "from-flag" {
		t.Fatalf("explicit flag overridden: %q", *token)
	}
}

func TestApplyFlagEnvErrors(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("timeout", time.Second, "")
	t.Setenv("RELAYTUN_TEST_TIMEOUT", "soon")
	if err := ApplyFlagEnv(flags, FlagEnv{"timeout": "RELAYTUN_TEST_TIMEOUT"}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := ApplyFlagEnv(flags, FlagEnv{"missing": "X"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestGetStringEnv(t *testing.T) {
	t.Setenv("RELAYTUN_TEST_STRING", "value")
	if got := GetStringEnv("RELAYTUN_TEST_STRING", "x"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := GetStringEnv("RELAYTUN_TEST_MISSING", "x"); got != "x" {
		t.Fatalf("missing: got %q", got)
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	type entry struct {
		Name string `yaml:"name"`
	}
	var dest struct {
		Tokens []entry `yaml:"tokens"`
	}
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("tokens:\n  - name: ci\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadYAML(good, &dest); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(dest.Tokens) != 1 || dest.Tokens[0].Name != "ci" {
		t.Fatalf("unexpected decode: %+v", dest)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("tokenz: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadYAML(bad, &dest); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if err := LoadYAML("", &dest); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
