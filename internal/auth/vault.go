package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// ErrSecretNotFound is returned when the KV path holds no live secret.
var ErrSecretNotFound = errors.New("vault secret not found")

// DefaultVaultMount is the KV v2 mount used when none is configured.
const DefaultVaultMount = "secret"

// VaultKeySource loads API keys from a KV v2 secret. Each field of the
// secret is a key ID whose value is an object with "hash", "roles" and
// "scopes".
type VaultKeySource struct {
	client *vaultapi.Client
	mount  string
	path   string
	logger observability.Logger
}

// NewVaultKeySource creates a source from cfg.
func NewVaultKeySource(cfg config.VaultConfig, logger observability.Logger) (*VaultKeySource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("vault path is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = DefaultVaultMount
	}

	return &VaultKeySource{
		client: client,
		mount:  mount,
		path:   cfg.Path,
		logger: logger.With(observability.String("component", "vault")),
	}, nil
}

// Load reads the secret and returns its keys sorted by ID.
func (s *VaultKeySource) Load(ctx context.Context) ([]APIKey, error) {
	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	// Soft-deleted KV v2 secrets carry data: null.
	raw, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	keys := make([]APIKey, 0, len(raw))
	for id, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			s.logger.Warn("skipping malformed vault key entry", observability.String("key_id", id))
			continue
		}
		hash, _ := entry["hash"].(string)
		if hash == "" {
			s.logger.Warn("skipping vault key without hash", observability.String("key_id", id))
			continue
		}
		keys = append(keys, APIKey{
			ID:     id,
			Hash:   hash,
			Roles:  stringList(entry["roles"]),
			Scopes: stringList(entry["scopes"]),
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	s.logger.Info("API keys loaded from vault",
		observability.String("path", fullPath),
		observability.Int("count", len(keys)),
	)
	return keys, nil
}
