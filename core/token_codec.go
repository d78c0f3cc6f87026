package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TokenPayloadFormatJSONV1 = "consent_tokens_json"
	TokenPayloadVersionV1    = 1
)

// ConsentTokens is the decrypted token pair held by an authorized consent.
type ConsentTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
}

func (t ConsentTokens) Refreshable() bool {
	return strings.TrimSpace(t.RefreshToken) != ""
}

type TokenCodec interface {
	Format() string
	Version() int
	Encode(tokens ConsentTokens) ([]byte, error)
	Decode(payload []byte) (ConsentTokens, error)
}

type JSONTokenCodec struct{}

func (JSONTokenCodec) Format() string {
	return TokenPayloadFormatJSONV1
}

func (JSONTokenCodec) Version() int {
	return TokenPayloadVersionV1
}

type jsonTokenPayload struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (JSONTokenCodec) Encode(tokens ConsentTokens) ([]byte, error) {
	payload := jsonTokenPayload{
		AccessToken:  strings.TrimSpace(tokens.AccessToken),
		RefreshToken: strings.TrimSpace(tokens.RefreshToken),
		TokenType:    strings.TrimSpace(tokens.TokenType),
		ExpiresAt:    cloneTimePointer(tokens.ExpiresAt),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode token payload: %w", err)
	}
	return encoded, nil
}

func (JSONTokenCodec) Decode(payload []byte) (ConsentTokens, error) {
	if len(payload) == 0 {
		return ConsentTokens{}, fmt.Errorf("core: token payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ConsentTokens{}, fmt.Errorf("core: decode token payload: %w", err)
	}
	return ConsentTokens{
		AccessToken:  strings.TrimSpace(decoded.AccessToken),
		RefreshToken: strings.TrimSpace(decoded.RefreshToken),
		TokenType:    strings.TrimSpace(decoded.TokenType),
		ExpiresAt:    cloneTimePointer(decoded.ExpiresAt),
	}, nil
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}
