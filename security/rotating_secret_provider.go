package security

import (
	"context"
	"fmt"

	"github.com/goliatone/go-openfinance/core"
)

// RotatingSecretProvider encrypts with the current key and can still decrypt
// payloads sealed under retired keys. Token payloads re-encrypt lazily: the
// next refresh writes them back under the current key.
type RotatingSecretProvider struct {
	current  *AppKeySecretProvider
	previous []*AppKeySecretProvider
}

func NewRotatingSecretProvider(current *AppKeySecretProvider, previous ...*AppKeySecretProvider) (*RotatingSecretProvider, error) {
	if current == nil {
		return nil, fmt.Errorf("security: current key provider is required")
	}
	retired := make([]*AppKeySecretProvider, 0, len(previous))
	for _, provider := range previous {
		if provider != nil {
			retired = append(retired, provider)
		}
	}
	return &RotatingSecretProvider{current: current, previous: retired}, nil
}

func (p *RotatingSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.current == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	return p.current.Encrypt(ctx, plaintext)
}

// Decrypt routes by the envelope key id and falls back to trying every
// retired key when the envelope carries no id.
func (p *RotatingSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.current == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if parsed.KeyID != "" {
		if parsed.KeyID == p.current.KeyID() {
			return p.current.Decrypt(ctx, ciphertext)
		}
		for _, provider := range p.previous {
			if provider.KeyID() == parsed.KeyID {
				return provider.Decrypt(ctx, ciphertext)
			}
		}
		return nil, fmt.Errorf("security: no key registered for id %q", parsed.KeyID)
	}

	plaintext, err := p.current.Decrypt(ctx, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	for _, provider := range p.previous {
		if plaintext, retryErr := provider.Decrypt(ctx, ciphertext); retryErr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

var _ core.SecretProvider = (*RotatingSecretProvider)(nil)
