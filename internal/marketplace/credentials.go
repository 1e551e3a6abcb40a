package marketplace

import (
	"context"
	"log/slog"
	"strings"
)

// Credentials authenticate calls to the marketplace.
type Credentials struct {
	APIKey string
}

// String never reveals the key so credentials are safe to pass to a logger.
func (c Credentials) String() string {
	if c.APIKey == "" {
		return "Credentials{<empty>}"
	}
	return "Credentials{<redacted>}"
}

// LogValue keeps slog from printing the key.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

// CredentialSource returns credentials or ErrMissingCredentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials serves a key read from configuration.
type StaticCredentials struct {
	APIKey string
}

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(_ context.Context) (Credentials, error) {
	key := strings.TrimSpace(s.APIKey)
	if key == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return Credentials{APIKey: key}, nil
}
