package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gcli2api/internal/alert"
	"gcli2api/internal/config"
	"gcli2api/internal/cooldown"
	"gcli2api/internal/dispatch"
	"gcli2api/internal/ledger"
	"gcli2api/internal/metrics"
	"gcli2api/internal/modelcache"
	"gcli2api/internal/provider"
	"gcli2api/internal/provider/anthropic"
	"gcli2api/internal/provider/bedrock"
	"gcli2api/internal/provider/geminicli"
	"gcli2api/internal/provider/oauthcred"
	"gcli2api/internal/provider/openaicompat"
	"gcli2api/internal/provider/qwencli"
	"gcli2api/internal/server"
	"gcli2api/internal/state"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// These are public values, not secrets
	geminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOAuthClientSecret = "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"

	// Qwen Code's public device-flow OAuth client, mirrored from the CLI
	// tool it authenticates on behalf of.
	qwenOAuthClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenOAuthTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "gcli2api",
		Short:        "Multi-provider LLM credential-rotation gateway",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.json", "Path to config file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(cfgPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfgPath)
		},
	}

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the usage ledger",
	}
	ledgerInspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a point-in-time snapshot of every tracked credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			lg := ledger.Open(ledger.Options{Path: cfg.LedgerPath, RetentionDays: cfg.RetentionDays})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(lg.Snapshots())
		},
	}
	ledgerCmd.AddCommand(ledgerInspectCmd)

	rootCmd.AddCommand(serverCmd, checkCmd, ledgerCmd)

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func runServer(cfgPath string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(cfgPath); err != nil {
		return err
	}

	var proxyURL *url.URL
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		logrus.Infof("using upstream proxy: %s", cfg.Proxy)
		proxyURL = u
		go probeProxy(u)
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create SQLite directory %q: %w", dir, err)
		}
	}
	st, err := state.Open(cfg.SQLitePath)
	if err != nil {
		logrus.Warnf("SQLite open error (using memory-only cache): %v", err)
	}

	pools, err := buildProviderPools(cfg, st, proxyURL)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	registry := provider.NewRegistry(pools)

	lg := ledger.Open(ledger.Options{Path: cfg.LedgerPath, RetentionDays: cfg.RetentionDays})
	cd := cooldown.New()
	cache := modelcache.New(registry, cfg.ModelCacheTTL(), st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache.Start(ctx)
	defer cache.Close()

	dispatcher := dispatch.New(registry, cache, lg, cd, cfg.MaxAttemptsUnknown)
	srv := server.New(cfg, registry, cache, dispatcher, cd)

	notifier := alert.New(cfg.AlertWebhookURL, time.Duration(cfg.AlertCooldownThresholdSeconds)*time.Second)
	if notifier.Enabled() {
		go watchCooldowns(ctx, registry, cd, notifier)
	}
	go publishCooldownMetrics(ctx, registry, cd)
	go publishModelCacheAge(ctx, cache)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ServerPort)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          log.New(logrus.StandardLogger().WriterLevel(logrus.ErrorLevel), "http: ", 0),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("gcli2api listening on http://%s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-shutdown:
		logrus.Info("shutting down")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logrus.Warnf("graceful shutdown failed: %v", err)
		}
	}
	if err := lg.Flush(); err != nil {
		logrus.Warnf("ledger flush on shutdown failed: %v", err)
	}
	return lg.Close()
}

// watchCooldowns polls every configured provider's cooldown state and
// feeds it to notifier, which dedupes repeated firing/resolved events.
func watchCooldowns(ctx context.Context, registry *provider.Registry, cd *cooldown.Controller, notifier *alert.Notifier) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range registry.Providers() {
				notifier.Observe(name, cd.IsCooling(name), cd.Remaining(name))
			}
		}
	}
}

// publishCooldownMetrics periodically mirrors each provider's cooldown
// remaining time into the Prometheus gauge, independent of whether
// Slack alerting is enabled.
func publishCooldownMetrics(ctx context.Context, registry *provider.Registry, cd *cooldown.Controller) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range registry.Providers() {
				metrics.CooldownRemainingSeconds.WithLabelValues(name).Set(cd.Remaining(name).Seconds())
			}
		}
	}
}

// publishModelCacheAge periodically mirrors the model cache's staleness
// into the Prometheus gauge, so an operator can alert on a discovery loop
// that has silently stopped refreshing.
func publishModelCacheAge(ctx context.Context, cache *modelcache.Cache) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ModelCacheAge.WithLabelValues().Set(cache.Age().Seconds())
		}
	}
}

func probeProxy(u *url.URL) {
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		switch u.Scheme {
		case "http":
			host = net.JoinHostPort(host, "80")
		case "socks5":
			host = net.JoinHostPort(host, "1080")
		}
	}
	conn, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		logrus.Warnf("proxy tcp check failed: %v", err)
		return
	}
	_ = conn.Close()
	logrus.Info("tcp check for proxy is successful")
}

// buildProviderPools wires every configured provider plugin into a
// provider.CredentialPool: OAuth-backed geminicli/qwencli from credential
// files, bearer-key openaicompat entries from config.Providers, and the
// native anthropic/bedrock plugins from their dedicated config fields,
// each also picking up additional keys from the <PROVIDER>_API_KEY
// environment convention via config.EnvProviderAPIKeys.
func buildProviderPools(cfg config.Config, st *state.Store, proxyURL *url.URL) ([]*provider.CredentialPool, error) {
	var pools []*provider.CredentialPool
	envKeys := config.EnvProviderAPIKeys()

	if len(cfg.GeminiCredsFilePaths) > 0 {
		geminiCfg := oauth2.Config{
			ClientID:     geminiOAuthClientID,
			ClientSecret: geminiOAuthClientSecret,
			Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
			Endpoint:     google.Endpoint,
		}
		creds := oauthcred.New(geminiCfg, cfg.RefreshSkew())
		plugin := geminicli.New(creds, st, geminiOAuthClientID, proxyURL)
		var registered []string
		for _, p := range cfg.GeminiCredsFilePaths {
			if p == "" {
				continue
			}
			id, err := creds.Register(p, true)
			if err != nil {
				logrus.Errorf("gemini credential %q: %v", p, err)
				continue
			}
			registered = append(registered, id)
		}
		if len(registered) > 0 {
			pools = append(pools, &provider.CredentialPool{Provider: plugin.Name(), Plugin: plugin, Credentials: registered})
		}
	}

	if len(cfg.QwenCredsFilePaths) > 0 {
		qwenCfg := oauth2.Config{
			ClientID: qwenOAuthClientID,
			Endpoint: oauth2.Endpoint{TokenURL: qwenOAuthTokenURL},
		}
		creds := oauthcred.New(qwenCfg, cfg.RefreshSkew())
		plugin := qwencli.New(creds, "https://chat.qwen.ai/v1", proxyURL)
		var registered []string
		for _, p := range cfg.QwenCredsFilePaths {
			if p == "" {
				continue
			}
			id, err := creds.Register(p, true)
			if err != nil {
				logrus.Errorf("qwen credential %q: %v", p, err)
				continue
			}
			registered = append(registered, id)
		}
		if len(registered) > 0 {
			pools = append(pools, &provider.CredentialPool{Provider: plugin.Name(), Plugin: plugin, Credentials: registered})
		}
	}

	for _, pc := range cfg.Providers {
		keys := append([]string{}, pc.APIKeys...)
		keys = append(keys, envKeys[strings.ToLower(pc.Name)]...)
		if len(keys) == 0 {
			logrus.Warnf("provider %q configured with no API keys, skipping", pc.Name)
			continue
		}
		plugin := openaicompat.New(pc.Name, pc.BaseURL, openaicompat.NewHTTPClient(5*time.Minute))
		pools = append(pools, &provider.CredentialPool{Provider: plugin.Name(), Plugin: plugin, Credentials: keys})
	}

	anthropicKeys := append([]string{}, cfg.AnthropicAPIKeys...)
	anthropicKeys = append(anthropicKeys, envKeys["anthropic"]...)
	if len(anthropicKeys) > 0 {
		plugin := anthropic.New(openaicompat.NewHTTPClient(5 * time.Minute))
		pools = append(pools, &provider.CredentialPool{Provider: plugin.Name(), Plugin: plugin, Credentials: anthropicKeys})
	}

	if bedrockKeys := envKeys["bedrock"]; cfg.BedrockRegion != "" && len(bedrockKeys) > 0 {
		plugin := bedrock.New(cfg.BedrockRegion, openaicompat.NewHTTPClient(5*time.Minute))
		pools = append(pools, &provider.CredentialPool{Provider: plugin.Name(), Plugin: plugin, Credentials: bedrockKeys})
	}

	return pools, nil
}
