// Package sources persists ingestion data-source definitions in PostgreSQL
// and hands out the credentials used by push-style sources.
package sources

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source types accepted by the store. Pull types get a producer; telegraf is
// push-only and authenticates against the ingest endpoint.
var ValidTypes = []string{
	"filetail", "snmp", "redfish", "dcim_http",
	"splunk", "datadog", "thousandeyes", "catalyst", "squaredup", "scom",
	"bluecat", "dell_ome", "telegraf",
}

// ErrNotFound is returned for unknown source IDs.
var ErrNotFound = errors.New("data source not found")

// DataSource is one configured ingestion source.
type DataSource struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Name    string         `json:"name" binding:"required"`
	Type    string         `json:"type" binding:"required"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Name    *string        `json:"name"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// Store is the data-source persistence contract.
type Store interface {
	List(ctx context.Context) ([]DataSource, error)
	ListEnabled(ctx context.Context) ([]DataSource, error)
	Get(ctx context.Context, id int) (*DataSource, error)
	Create(ctx context.Context, in CreateInput) (*DataSource, error)
	Update(ctx context.Context, id int, in UpdateInput) (*DataSource, error)
	Delete(ctx context.Context, id int) error
}

// RegisterType accepts an extra source type, for out-of-tree producers.
func RegisterType(t string) {
	if !ValidType(t) {
		ValidTypes = append(ValidTypes, t)
	}
}

// ValidType reports whether t is an accepted source type.
func ValidType(t string) bool {
	for _, v := range ValidTypes {
		if v == t {
			return true
		}
	}
	return false
}

func validateCreate(in CreateInput) error {
	if in.Name == "" {
		return fmt.Errorf("source name must not be empty")
	}
	if len(in.Name) > 128 {
		return fmt.Errorf("source name exceeds 128 characters")
	}
	if !ValidType(in.Type) {
		return fmt.Errorf("unknown source type %q", in.Type)
	}
	return nil
}

// TelegrafCredentials are returned exactly once, when a telegraf source is
// created. Only the token hash is stored.
type TelegrafCredentials struct {
	AgentID string `json:"one_time_agent_id"`
	Token   string `json:"one_time_token"`
}

// NewTelegrafCredentials mints an agent id and secret token.
func NewTelegrafCredentials() (TelegrafCredentials, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return TelegrafCredentials{}, fmt.Errorf("generate token: %w", err)
	}
	return TelegrafCredentials{
		AgentID: uuid.NewString(),
		Token:   hex.EncodeToString(raw),
	}, nil
}

// HashToken returns the hex SHA-256 of a token, the stored form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyTelegraf checks agent id and token against an enabled telegraf
// source's stored credentials.
func VerifyTelegraf(src DataSource, agentID, token string) bool {
	if src.Type != "telegraf" || !src.Enabled {
		return false
	}
	storedAgent, _ := src.Config["agent_id"].(string)
	storedHash, _ := src.Config["token_sha256"].(string)
	if storedAgent == "" || storedHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(storedAgent), []byte(agentID)) != 1 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashToken(token))) == 1
}
