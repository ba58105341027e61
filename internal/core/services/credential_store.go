package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/pkg/utils/crypto"
)

const settingTypeEncrypted = "encrypted"

func kdcCredentialKey(cluster string) string {
	return "kdc_credential/" + cluster
}

// CredentialStore keeps the KDC administrator credential of a cluster
// encrypted in the settings table.
type CredentialStore struct {
	settings      ports.SystemSettingRepository
	encryptionKey string
	logger        *logger.Logger
}

func NewCredentialStore(settings ports.SystemSettingRepository, encryptionKey string, log *logger.Logger) *CredentialStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &CredentialStore{settings: settings, encryptionKey: encryptionKey, logger: log}
}

func (s *CredentialStore) Put(ctx context.Context, cluster string, cred ports.KDCCredential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(string(raw), s.encryptionKey, kdcCredentialKey(cluster))
	if err != nil {
		s.logger.Errorw("credential_encrypt_failed", "cluster", cluster, "error", err)
		return ErrEncryptionFailed
	}
	return s.settings.Set(ctx, &domain.SystemSetting{
		Key:      kdcCredentialKey(cluster),
		Value:    sealed,
		Type:     settingTypeEncrypted,
		Category: cluster,
	})
}

// Get returns ErrMissingCredential when nothing is stored for cluster.
func (s *CredentialStore) Get(ctx context.Context, cluster string) (*ports.KDCCredential, error) {
	setting, err := s.settings.Get(ctx, kdcCredentialKey(cluster))
	if err != nil {
		return nil, err
	}
	if setting == nil {
		return nil, fmt.Errorf("%w: cluster %s", ErrMissingCredential, cluster)
	}
	plain, err := crypto.Decrypt(setting.Value, s.encryptionKey, kdcCredentialKey(cluster))
	if err != nil {
		s.logger.Errorw("credential_decrypt_failed", "cluster", cluster, "error", err)
		return nil, ErrDecryptionFailed
	}
	var cred ports.KDCCredential
	if err := json.Unmarshal([]byte(plain), &cred); err != nil {
		return nil, ErrDecryptionFailed
	}
	return &cred, nil
}

func (s *CredentialStore) Delete(ctx context.Context, cluster string) error {
	return s.settings.Delete(ctx, kdcCredentialKey(cluster))
}
