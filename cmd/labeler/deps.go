package main

import (
	"context"
	"fmt"
	"log/slog"

	"example.com/labeler/internal/config"
	"example.com/labeler/internal/signing"
	"example.com/labeler/internal/storage"
	"example.com/labeler/internal/storage/postgres"
	"example.com/labeler/internal/storage/sqlite"
)

// openStore picks the backend from the database URL.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if storage.IsPostgresURL(cfg.DatabaseURL) {
		logger.Info("opening label store", "component", "storage", "backend", "postgres")
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	path := cfg.DatabaseURL
	if path == "" {
		path = sqlite.MemoryPath
	}
	logger.Info("opening label store", "component", "storage", "backend", "sqlite", "path", path)
	s, err := sqlite.New(path, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// loadSigner returns nil, without error, when no key is configured; the
// service then serves reads only.
func loadSigner(cfg *config.Config, logger *slog.Logger) (*signing.Signer, error) {
	switch {
	case cfg.SigningKey != "":
		s, err := signing.ParseSigner(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
		return s, nil
	case cfg.EphemeralKey:
		s, err := signing.GenerateSigner()
		if err != nil {
			return nil, err
		}
		logger.Warn("using an ephemeral signing key; labels will not verify after restart",
			"component", "signing", "did", s.DIDKey())
		return s, nil
	default:
		logger.Warn("no signing key configured; label creation is disabled", "component", "signing")
		return nil, nil
	}
}
