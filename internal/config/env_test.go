package config

import "testing"

func TestEnvProviderAPIKeys_GroupsAndExcludesProxyKey(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "should-not-appear")
	t.Setenv("CHUTES_API_KEY", "k1")
	t.Setenv("CHUTES_API_KEY_2", "k2")
	t.Setenv("MISTRAL_API_KEY", "m1")

	keys := EnvProviderAPIKeys()
	if got := keys["chutes"]; len(got) != 2 {
		t.Fatalf("chutes keys = %v, want 2", got)
	}
	if got := keys["mistral"]; len(got) != 1 || got[0] != "m1" {
		t.Fatalf("mistral keys = %v, want [m1]", got)
	}
	if _, ok := keys["proxy"]; ok {
		t.Fatal("PROXY_API_KEY must not be treated as a provider key")
	}
}

func TestProxyAPIKey_PrefersEnvOverConfig(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "env-key")
	if got := ProxyAPIKey(Config{AuthKey: "config-key"}); got != "env-key" {
		t.Fatalf("got %s want env-key", got)
	}
}

func TestProxyAPIKey_FallsBackToConfig(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "")
	if got := ProxyAPIKey(Config{AuthKey: "config-key"}); got != "config-key" {
		t.Fatalf("got %s want config-key", got)
	}
}
