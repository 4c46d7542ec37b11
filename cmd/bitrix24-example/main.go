/*
Command bitrix24-example wires a Client together from a YAML config
file and exercises it: it replays a UI install payload into the
configured credential store, then issues one sample method call.

This intentionally stays a single small main rather than a CLI tree —
a client library's demonstration surface is "construct it and make one
call."
*/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OlegKolesnikoff/bitrix24-api-client"
	"github.com/OlegKolesnikoff/bitrix24-api-client/credstore"
	"github.com/OlegKolesnikoff/bitrix24-api-client/install"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/logging"
	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// fileConfig mirrors the on-disk YAML shape; it's kept separate from
// bitrix24.Config so the config file format can evolve independently
// of the library's Go API.
type fileConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	StorePath    string `yaml:"store_path"`
	LogLevel     string `yaml:"log_level"`
	Domain       string `yaml:"domain"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <config.yaml>", os.Args[0])
	}

	cfg, err := loadConfig(os.Args[1])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store := credstore.NewFileStore(cfg.StorePath)

	ctx := context.Background()
	if err := seedInstall(ctx, store, cfg.Domain); err != nil {
		return fmt.Errorf("seeding install record: %w", err)
	}

	client, err := bitrix24.New(bitrix24.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Store:        store,
		Timeout:      15 * time.Second,
		Logger:       logging.Config{Enabled: true, Level: logging.Level(cfg.LogLevel), Output: os.Stderr},
	})
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}
	defer client.Close()

	result, err := client.Call(ctx, "user.current", nil, types.Hint{Domain: cfg.Domain})
	if err != nil {
		return fmt.Errorf("calling user.current: %w", err)
	}

	fmt.Printf("user.current result: %+v\n", result)
	return nil
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// seedInstall demonstrates the install handler by replaying a
// synthetic UI-install payload, so the example has a valid credential
// record to call with on a fresh store.
func seedInstall(ctx context.Context, store credstore.Store, domain string) error {
	payload := map[string]any{
		"PLACEMENT":    "DEFAULT",
		"AUTH_ID":      "example-access-token",
		"AUTH_EXPIRES": "3600",
		"REFRESH_ID":   "example-refresh-token",
		"DOMAIN":       domain,
	}
	_, err := install.Handle(ctx, payload, store)
	return err
}
