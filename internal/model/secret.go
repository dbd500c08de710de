package model

import "time"

// IntegrationType tags the payload schema a secret must satisfy.
type IntegrationType string

const (
	IntegrationSMTP      IntegrationType = "smtp"
	IntegrationOAuth2    IntegrationType = "oauth2"
	IntegrationJWT       IntegrationType = "jwt"
	IntegrationCookie    IntegrationType = "cookie"
	IntegrationSFTP      IntegrationType = "sftp"
	IntegrationFTP       IntegrationType = "ftp"
	IntegrationDatabase  IntegrationType = "database"
	IntegrationAPIKey    IntegrationType = "api_key"
	IntegrationRabbitMQ  IntegrationType = "rabbitmq"
	IntegrationKafka     IntegrationType = "kafka"
	IntegrationAzureBlob IntegrationType = "azure_blob"
	IntegrationCustom    IntegrationType = "custom"
)

// Secret is a vault-encrypted credential record. Ciphertext, IV and AuthTag
// are stored base64-encoded; the plaintext payload never touches storage.
// Metadata carries only nonsensitive fields (host, username, service name)
// safe to show in list views.
type Secret struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	IntegrationType IntegrationType   `json:"integrationType"`
	Ciphertext      string            `json:"-"`
	IV              string            `json:"-"`
	AuthTag         string            `json:"-"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	LastRotatedAt   time.Time         `json:"lastRotatedAt"`
}

// VaultMaster is the single row holding key-derivation state for the vault.
// The seed itself is never stored, only its derived hash.
type VaultMaster struct {
	Salt           string     `json:"-"` // base64, 32 bytes raw
	SeedHash       string     `json:"-"` // base64 argon2id digest of the seed
	RecoveryHash   string     `json:"-"` // base64 argon2id digest of the recovery code
	TimeCost       uint32     `json:"timeCost"`
	MemoryKiB      uint32     `json:"memoryKiB"`
	Threads        uint8      `json:"threads"`
	FailedAttempts int        `json:"failedAttempts"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
