package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/term"

	"github.com/shinobu-chat/shinobu/internal/beacon"
	"github.com/shinobu-chat/shinobu/internal/beacon/drivers/discord"
	"github.com/shinobu-chat/shinobu/internal/beacon/drivers/revolt"
	"github.com/shinobu-chat/shinobu/internal/beacon/filters"
	"github.com/shinobu-chat/shinobu/internal/config"
	"github.com/shinobu-chat/shinobu/internal/logger"
	"github.com/shinobu-chat/shinobu/internal/secrets"
)

// platformSecretIDs are the vault identifiers the bridge reads bot tokens
// from. Tokens are one-time reads per process.
var platformSecretIDs = []string{discord.Platform, revolt.Platform}

// bridgeDocuments are the encrypted documents the core persists through.
var bridgeDocuments = []string{"bridge", "messages", "filters"}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			providePassword,
			provideVault,
			provideSecureFiles,
			provideIssuer,
			provideBridgeGrants,
			provideDriverRegistry,
			provideSpaceRegistry,
			provideCache,
			provideFilterEngine,
			provideCore,
			beacon.NewSharedObjects,
		),
		fx.Invoke(
			startPlatforms,
			startBridge,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// bridgePassword unlocks the vault and the secure files. It comes from the
// environment or, interactively, from the terminal.
type bridgePassword string

func providePassword() (bridgePassword, error) {
	if pw := os.Getenv("SHINOBU_PASSWORD"); pw != "" {
		return bridgePassword(pw), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no password: set SHINOBU_PASSWORD or run interactively")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimSpace(string(raw))
	if pw == "" {
		return "", errors.New("empty password")
	}
	return bridgePassword(pw), nil
}

func provideVault(cfg config.Config, password bridgePassword, log *slog.Logger) (*secrets.Vault, error) {
	vault, err := secrets.OpenVault(secrets.VaultOptions{
		Path:     cfg.Secrets.VaultPath,
		Password: string(password),
		OneTime:  platformSecretIDs,
		ReadOnly: true,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if !vault.TestDecrypt("") {
		return nil, secrets.ErrBadPassword
	}
	if vault.NeedsReencryption() {
		log.Warn("vault uses an outdated key derivation profile; rotate it with shinobu-vault rotate")
	}
	return vault, nil
}

func provideSecureFiles(cfg config.Config, password bridgePassword) (*secrets.SecureFiles, error) {
	return secrets.NewSecureFiles(cfg.Secrets.DataRoot, string(password))
}

func provideIssuer(vault *secrets.Vault, files *secrets.SecureFiles) *secrets.Issuer {
	return secrets.NewIssuer(vault, files)
}

// bridgeGrants are the capability handles the core and the platform
// runtimes work through; neither ever sees the whole vault.
type bridgeGrants struct {
	Documents *secrets.FilesGrant
	Tokens    *secrets.SecretsGrant
}

func provideBridgeGrants(issuer *secrets.Issuer) (bridgeGrants, error) {
	tokens, _, err := issuer.Issue("platforms", platformSecretIDs, nil)
	if err != nil {
		return bridgeGrants{}, err
	}
	_, documents, err := issuer.Issue("beacon", nil, bridgeDocuments)
	if err != nil {
		return bridgeGrants{}, err
	}
	return bridgeGrants{Documents: documents, Tokens: tokens}, nil
}

func provideDriverRegistry(cfg config.Config, log *slog.Logger) *beacon.DriverRegistry {
	var whitelist []string
	if cfg.Bridge.EnablePlatformWhitelist {
		whitelist = cfg.Bridge.EnabledPlatforms
	}
	return beacon.NewDriverRegistry(log, whitelist)
}

func provideSpaceRegistry() *beacon.SpaceRegistry {
	return beacon.NewSpaceRegistry()
}

func provideCache(log *slog.Logger, cfg config.Config, grants bridgeGrants) *beacon.MessageCache {
	return beacon.NewMessageCache(log, grants.Documents, cfg.Bridge.CacheLimit)
}

func provideFilterEngine(log *slog.Logger, grants bridgeGrants) *beacon.FilterEngine {
	engine := beacon.NewFilterEngine(log, grants.Documents)
	filters.RegisterAll(engine)
	return engine
}

func provideCore(log *slog.Logger, cfg config.Config, grants bridgeGrants, drivers *beacon.DriverRegistry, spaces *beacon.SpaceRegistry, cache *beacon.MessageCache, engine *beacon.FilterEngine) *beacon.Core {
	return beacon.New(beacon.Options{
		Logger:      log,
		Store:       grants.Documents,
		Drivers:     drivers,
		Spaces:      spaces,
		Cache:       cache,
		Filters:     engine,
		EnableMulti: cfg.Bridge.EnableMulti,
	})
}

// startPlatforms reserves and supervises one runtime per platform with a
// stored token. Reservations happen before the core loads, so readiness
// waits for every platform that will come up.
func startPlatforms(lc fx.Lifecycle, log *slog.Logger, core *beacon.Core, grants bridgeGrants, registry *beacon.DriverRegistry, shared *beacon.SharedObjects) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, platform := range platformSecretIDs {
				token, err := grants.Tokens.Retrieve(platform)
				if err != nil {
					if errors.Is(err, secrets.ErrSecretNotFound) {
						log.Info("no token stored, skipping platform", slog.String("platform", platform))
						continue
					}
					return err
				}
				if err := registry.Reserve(platform); err != nil {
					if errors.Is(err, beacon.ErrPlatformNotAllowed) {
						log.Info("platform not whitelisted, skipping", slog.String("platform", platform))
						continue
					}
					return err
				}

				run, err := platformRuntime(log, core, shared, platform, token)
				if err != nil {
					registry.Unreserve(platform)
					return err
				}
				go beacon.Supervise(ctx, log, registry, platform, run)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func platformRuntime(log *slog.Logger, core *beacon.Core, shared *beacon.SharedObjects, platform, token string) (func(ctx context.Context) error, error) {
	switch platform {
	case discord.Platform:
		runtime, err := discord.NewRuntime(log, core, token)
		if err != nil {
			return nil, err
		}
		if err := shared.Add("runtime."+platform, runtime); err != nil {
			return nil, err
		}
		return runtime.Run, nil
	case revolt.Platform:
		runtime := revolt.NewRuntime(log, core, token, "", "", "")
		if err := shared.Add("runtime."+platform, runtime); err != nil {
			return nil, err
		}
		return runtime.Run, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

func startBridge(lc fx.Lifecycle, core *beacon.Core, cache *beacon.MessageCache, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			core.LoadData()
			return nil
		},
		OnStop: func(context.Context) error {
			cache.Close()
			if err := cache.Save(); err != nil {
				log.Error("final cache save failed", slog.Any("error", err))
			}
			if err := core.SaveSpaces(); err != nil {
				log.Error("final space save failed", slog.Any("error", err))
			}
			return nil
		},
	})
}
