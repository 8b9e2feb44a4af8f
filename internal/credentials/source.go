package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/elaas-dev/forge/internal/crypto"
	"github.com/elaas-dev/forge/internal/models"
	"gorm.io/gorm"
)

// Source resolves the credential set for a provider. Implementations must not
// log or persist plaintext values.
type Source interface {
	Load(ctx context.Context, provider models.Provider) (Credentials, error)
}

// envFallbacks maps configuration names to the terraform-native variable
// names operators often already have exported.
var envFallbacks = map[string][]string{
	"aws_region":              {"AWS_DEFAULT_REGION"},
	"gcp_project_id":          {"GOOGLE_PROJECT"},
	"gcp_service_account_key": {"GOOGLE_CREDENTIALS"},
	"azure_subscription_id":   {"ARM_SUBSCRIPTION_ID"},
	"azure_client_id":         {"ARM_CLIENT_ID"},
	"azure_client_secret":     {"ARM_CLIENT_SECRET"},
	"azure_tenant_id":         {"ARM_TENANT_ID"},
	"mongodb_public_key":      {"MONGODB_ATLAS_PUBLIC_KEY"},
	"mongodb_private_key":     {"MONGODB_ATLAS_PRIVATE_KEY"},
}

// EnvSource reads credentials from the daemon's own environment. Each field
// is looked up by its upper-cased configuration name, then by the
// terraform-native fallbacks.
type EnvSource struct {
	defaultRegion string
}

func NewEnvSource(defaultRegion string) *EnvSource {
	return &EnvSource{defaultRegion: defaultRegion}
}

func (s *EnvSource) Load(_ context.Context, provider models.Provider) (Credentials, error) {
	creds := Credentials{Provider: provider}
	for name, field := range creds.fieldMap() {
		if v := os.Getenv(strings.ToUpper(name)); v != "" {
			*field = v
			continue
		}
		for _, alt := range envFallbacks[name] {
			if v := os.Getenv(alt); v != "" {
				*field = v
				break
			}
		}
	}
	if creds.AWSRegion == "" {
		creds.AWSRegion = s.defaultRegion
	}
	return creds, nil
}

// StoreSource reads credentials from encrypted database rows. Each provider
// has at most one row; the AWS row is always merged in because the state
// backend needs it for every run.
type StoreSource struct {
	db  *gorm.DB
	key []byte

	defaultRegion string
}

func NewStoreSource(db *gorm.DB, masterKey, defaultRegion string) (*StoreSource, error) {
	key, err := crypto.DeriveKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return &StoreSource{db: db, key: key, defaultRegion: defaultRegion}, nil
}

func (s *StoreSource) Load(ctx context.Context, provider models.Provider) (Credentials, error) {
	creds := Credentials{Provider: provider}

	providers := []models.Provider{models.ProviderAWS}
	if provider != models.ProviderAWS {
		providers = append(providers, provider)
	}
	for _, p := range providers {
		if err := s.mergeRow(ctx, p, &creds); err != nil {
			return Credentials{}, err
		}
	}
	if creds.AWSRegion == "" {
		creds.AWSRegion = s.defaultRegion
	}
	return creds, nil
}

func (s *StoreSource) mergeRow(ctx context.Context, provider models.Provider, creds *Credentials) error {
	var row models.ProviderCredential
	err := s.db.WithContext(ctx).Where("provider = ?", provider).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Absent rows surface later as MissingCredentials with field names.
		return nil
	}
	if err != nil {
		return fmt.Errorf("credentials: load %s: %w", provider, err)
	}

	plaintext, err := crypto.Decrypt(row.Data, s.key)
	if err != nil {
		return fmt.Errorf("credentials: decrypt %s: %w", provider, err)
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(plaintext), &fields); err != nil {
		return fmt.Errorf("credentials: decode %s: %w", provider, err)
	}

	fieldPtrs := creds.fieldMap()
	for name, value := range fields {
		if ptr, ok := fieldPtrs[name]; ok && value != "" {
			*ptr = value
		}
	}
	return nil
}

// Save encrypts the given fields and upserts the provider's row. Unknown
// field names are rejected so typos do not silently vanish into the blob.
func (s *StoreSource) Save(ctx context.Context, provider models.Provider, fields map[string]string) error {
	if !provider.Valid() {
		return fmt.Errorf("credentials: unknown provider %q", provider)
	}
	known := (&Credentials{}).fieldMap()
	for name := range fields {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("credentials: unknown field %q", name)
		}
	}

	plaintext, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("credentials: encode: %w", err)
	}
	sealed, err := crypto.Encrypt(string(plaintext), s.key)
	if err != nil {
		return fmt.Errorf("credentials: encrypt: %w", err)
	}

	var row models.ProviderCredential
	err = s.db.WithContext(ctx).Where("provider = ?", provider).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.ProviderCredential{Provider: provider, Data: sealed}
		return s.db.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return fmt.Errorf("credentials: load %s: %w", provider, err)
	}

	row.Data = sealed
	return s.db.WithContext(ctx).Save(&row).Error
}
