package config

import (
	"os"
	"strings"
)

// EnvProviderAPIKeys scans the process environment for
// "<PROVIDER>_API_KEY" and "<PROVIDER>_API_KEY_<n>" variables and groups
// their values by lower-cased provider name, the same convention
// main.py's environment-scanning loop uses. PROXY_API_KEY is excluded:
// it authenticates clients of this gateway, not an upstream provider.
func EnvProviderAPIKeys() map[string][]string {
	out := make(map[string][]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if k == "PROXY_API_KEY" {
			continue
		}
		if !strings.HasSuffix(k, "_API_KEY") && !strings.Contains(k, "_API_KEY_") {
			continue
		}
		provider := strings.ToLower(strings.SplitN(k, "_API_KEY", 2)[0])
		if provider == "" {
			continue
		}
		out[provider] = append(out[provider], v)
	}
	return out
}

// ProxyAPIKey returns the gateway's own client-facing bearer key from
// PROXY_API_KEY, falling back to cfg.AuthKey when unset.
func ProxyAPIKey(cfg Config) string {
	if v := os.Getenv("PROXY_API_KEY"); v != "" {
		return v
	}
	return cfg.AuthKey
}
