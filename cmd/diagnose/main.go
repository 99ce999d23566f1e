// Command diagnose checks that the configured language model and store
// credentials work before the auditor is deployed.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/listing-auditor/api/internal/contentgen"
	"github.com/listing-auditor/api/internal/platform/config"
	"github.com/listing-auditor/api/internal/platform/secrets"
	"github.com/listing-auditor/api/internal/repositories"
	"github.com/listing-auditor/api/internal/shopify"
)

const (
	envFileFlag = "env-file"
	shopFlag    = "shop"
	timeoutFlag = "timeout"
)

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func main() {
	envFile := pflag.StringP(envFileFlag, "e", ".env", "dotenv file with local overrides")
	shop := pflag.StringP(shopFlag, "s", "", "shop domain to check (defaults to the configured store)")
	timeout := pflag.DurationP(timeoutFlag, "t", 20*time.Second, "overall timeout")
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fetcher, err := secrets.NewFetcher(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secrets: %v\n", err)
		os.Exit(2)
	}
	defer fetcher.Close()

	cfg, err := config.Load(ctx, config.WithEnvFile(*envFile), config.WithSecretResolver(fetcher))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	checks, err := buildChecks(cfg, *shop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(2)
	}
	if failed := runChecks(ctx, os.Stdout, checks); failed > 0 {
		os.Exit(1)
	}
}

func buildChecks(cfg config.Config, shop string) ([]check, error) {
	generator, err := contentgen.NewClient(contentgen.Config{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	})
	if err != nil {
		return nil, err
	}

	shop = strings.TrimSpace(shop)
	if shop == "" {
		shop = cfg.Shopify.StoreDomain
	}
	tokens := repositories.NewStaticShopTokenRepository(cfg.Shopify.CredentialTokens())
	connector, err := shopify.NewConnector(shopify.ConnectorConfig{
		Tokens:     shopify.TokenResolverFunc(repositories.AccessToken(tokens)),
		APIVersion: cfg.Shopify.APIVersion,
		HTTPClient: &http.Client{Timeout: cfg.Shopify.Timeout},
	})
	if err != nil {
		return nil, err
	}

	return []check{
		{
			name: "OpenAI",
			run: func(ctx context.Context) (string, error) {
				return generator.Ping(ctx)
			},
		},
		{
			name: "Shopify",
			run: func(ctx context.Context) (string, error) {
				client, err := connector.ForShop(ctx, shop)
				if err != nil {
					return "", err
				}
				name, err := client.ShopName(ctx)
				if err != nil {
					return "", err
				}
				return "connected to " + name, nil
			},
		},
	}, nil
}

// runChecks prints one line per check and returns the number that failed.
func runChecks(ctx context.Context, out io.Writer, checks []check) int {
	failed := 0
	for _, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "X %s: %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(out, "OK %s: %s\n", c.name, detail)
	}
	return failed
}
