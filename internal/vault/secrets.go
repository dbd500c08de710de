package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// payloadSchemas lists the required fields per integration type. "a|b" means
// at least one of the alternatives must be present.
var payloadSchemas = map[model.IntegrationType][]string{
	model.IntegrationSMTP:      {"host", "port", "username", "password"},
	model.IntegrationOAuth2:    {"clientId", "clientSecret", "tokenUrl"},
	model.IntegrationJWT:       {"signingKey", "algorithm"},
	model.IntegrationCookie:    {"loginUrl", "username", "password"},
	model.IntegrationSFTP:      {"host", "username", "password|privateKey"},
	model.IntegrationFTP:       {"host", "username", "password"},
	model.IntegrationDatabase:  {"host", "port", "username", "password", "database"},
	model.IntegrationAPIKey:    {"apiKey"},
	model.IntegrationRabbitMQ:  {"url"},
	model.IntegrationKafka:     {"brokers"},
	model.IntegrationAzureBlob: {"accountName|connectionString"},
	model.IntegrationCustom:    nil,
}

// metadataFields are the nonsensitive payload keys copied into the stored
// metadata so list views can show where a credential points.
var metadataFields = []string{"host", "port", "username", "url", "tokenUrl", "loginUrl", "accountName", "database", "brokers"}

// ValidatePayload checks a secret payload against its integration schema.
func ValidatePayload(it model.IntegrationType, payload map[string]interface{}) error {
	schema, ok := payloadSchemas[it]
	if !ok {
		return fault.New(fault.KindValidation, "unknown integration type %q", it)
	}
	if len(payload) == 0 {
		return fault.New(fault.KindValidation, "secret payload is empty")
	}
	var missing []string
	for _, field := range schema {
		if !anyPresent(payload, strings.Split(field, "|")) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fault.New(fault.KindValidation, "%s secret missing required fields: %s", it, strings.Join(missing, ", "))
	}
	return nil
}

func anyPresent(payload map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil && fmt.Sprintf("%v", v) != "" {
			return true
		}
	}
	return false
}

// Secrets is the credential CRUD surface over the vault's crypto. Every
// operation requires the vault to be unlocked.
type Secrets struct {
	vault *Vault
	store storage.Gateway
}

func NewSecrets(v *Vault, store storage.Gateway) *Secrets {
	return &Secrets{vault: v, store: store}
}

// Create validates, encrypts and stores a new secret, returning the stored
// record (never the plaintext).
func (s *Secrets) Create(ctx context.Context, name string, it model.IntegrationType, payload map[string]interface{}) (*model.Secret, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fault.New(fault.KindValidation, "secret name is required")
	}
	if err := ValidatePayload(it, payload); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	ciphertext, iv, tag, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	secret := &model.Secret{
		ID:              uuid.NewString(),
		Name:            name,
		IntegrationType: it,
		Ciphertext:      ciphertext,
		IV:              iv,
		AuthTag:         tag,
		Metadata:        extractMetadata(payload),
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastRotatedAt:   now,
	}
	if err := s.store.CreateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("failed to store secret: %w", err)
	}
	return secret, nil
}

// Rotate replaces a secret's payload, re-validating against its schema and
// advancing lastRotatedAt.
func (s *Secrets) Rotate(ctx context.Context, id string, payload map[string]interface{}) (*model.Secret, error) {
	secret, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(secret.IntegrationType, payload); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	ciphertext, iv, tag, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	secret.Ciphertext, secret.IV, secret.AuthTag = ciphertext, iv, tag
	secret.Metadata = extractMetadata(payload)
	secret.UpdatedAt = now
	secret.LastRotatedAt = now
	if err := s.store.UpdateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("failed to update secret: %w", err)
	}
	return secret, nil
}

// Reveal decrypts a secret's payload. The plaintext is returned to the caller
// and never persisted.
func (s *Secrets) Reveal(ctx context.Context, id string) (map[string]interface{}, error) {
	secret, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if !secret.Enabled {
		return nil, fault.New(fault.KindValidation, "secret %q is disabled", secret.Name)
	}
	plaintext, err := s.vault.Decrypt(secret.Ciphertext, secret.IV, secret.AuthTag)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fault.New(fault.KindSystem, "corrupt secret payload: %v", err)
	}
	return payload, nil
}

// Field decrypts one payload field, erroring if absent.
func (s *Secrets) Field(ctx context.Context, id, key string) (string, error) {
	payload, err := s.Reveal(ctx, id)
	if err != nil {
		return "", err
	}
	v, ok := payload[key]
	if !ok {
		return "", fault.New(fault.KindValidation, "secret has no field %q", key)
	}
	return fmt.Sprintf("%v", v), nil
}

func (s *Secrets) Get(ctx context.Context, id string) (*model.Secret, error) {
	return s.store.GetSecret(ctx, id)
}

func (s *Secrets) List(ctx context.Context) ([]*model.Secret, error) {
	return s.store.ListSecrets(ctx)
}

func (s *Secrets) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSecret(ctx, id)
}

// SetEnabled flips a secret's enabled flag without touching its ciphertext.
func (s *Secrets) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Secret, error) {
	secret, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	secret.Enabled = enabled
	secret.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSecret(ctx, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func extractMetadata(payload map[string]interface{}) map[string]string {
	meta := make(map[string]string)
	for _, k := range metadataFields {
		if v, ok := payload[k]; ok && v != nil {
			meta[k] = fmt.Sprintf("%v", v)
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
