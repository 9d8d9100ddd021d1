// Command aigateway runs the AI completion gateway: one OpenAI-compatible
// API in front of Anthropic, OpenAI and Google, with automatic failover
// and usage accounting.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/verbalex/aigateway/internal/config"
	"github.com/verbalex/aigateway/internal/gateway"
	"github.com/verbalex/aigateway/internal/provider"
	"github.com/verbalex/aigateway/internal/server"
	"github.com/verbalex/aigateway/internal/usage"
)

// providerFactories maps config provider names to constructors. Adding a
// vendor means adding one entry here plus its adapter.
var providerFactories = map[string]func(provider.Config) provider.Provider{
	"anthropic": func(cfg provider.Config) provider.Provider {
		return provider.NewAnthropicProvider(cfg, nil)
	},
	"openai": func(cfg provider.Config) provider.Provider {
		return provider.NewOpenAIProvider(cfg, nil)
	},
	"google": func(cfg provider.Config) provider.Provider {
		return provider.NewGoogleProvider(cfg, nil)
	},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ledger := usage.NewLedger(nil)

	opts := []gateway.Option{gateway.WithFailoverOrder(cfg.Failover)}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		opts = append(opts, gateway.WithStatusStore(
			gateway.NewRedisStatusStore(client, cfg.Redis.StatusTTL)))
		log.Printf("provider status backed by redis at %s", cfg.Redis.Addr)
	}

	manager := gateway.NewManager(ledger, opts...)

	// Register in a stable order so the default failover sequence does
	// not depend on map iteration.
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Providers[name]
		factory, ok := providerFactories[name]
		if !ok {
			manager.RegisterFailed(name, fmt.Errorf("unknown provider %q", name))
			log.Printf("skipping unknown provider %q", name)
			continue
		}
		if pc.APIKey == "" {
			manager.RegisterFailed(name, fmt.Errorf("no API key configured"))
			log.Printf("provider %q registered as unavailable: no API key", name)
			continue
		}
		manager.Register(factory(provider.Config{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			Timeout:    pc.Timeout,
			MaxRetries: pc.MaxRetries,
		}))
		log.Printf("registered provider %q", name)
	}

	srv := server.New(manager, ledger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	log.Printf("aigateway listening on :%d", port)
	if err := srv.ListenAndServe(port, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
