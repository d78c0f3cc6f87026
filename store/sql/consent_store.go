package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-openfinance/core"
)

type ConsentStore struct {
	db   *bun.DB
	repo repository.Repository[*consentRecord]
}

func (s *ConsentStore) Create(ctx context.Context, in core.CreateConsentInput) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: user id is required")
	}
	if strings.TrimSpace(in.InstitutionID) == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: institution id is required")
	}

	record := newConsentRecord(in, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Consent{}, err
	}
	return created.toDomain(), nil
}

func (s *ConsentStore) Get(ctx context.Context, id string) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Consent{}, core.ErrConsentNotFound
		}
		return core.Consent{}, err
	}
	return record.toDomain(), nil
}

func (s *ConsentStore) FindByUserInstitution(ctx context.Context, userID string, institutionID string) ([]core.Consent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: consent store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("institution_id", "=", strings.TrimSpace(institutionID)),
		repository.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Consent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// SaveTokens writes the encrypted payload and grant metadata in one update.
func (s *ConsentStore) SaveTokens(ctx context.Context, in core.SaveConsentTokensInput) (core.Consent, error) {
	if s == nil || s.db == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	consentID := strings.TrimSpace(in.ConsentID)
	if consentID == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: consent id is required")
	}
	if len(in.EncryptedPayload) == 0 {
		return core.Consent{}, fmt.Errorf("sqlstore: encrypted payload is required")
	}

	current, err := s.repo.GetByID(ctx, consentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Consent{}, core.ErrConsentNotFound
		}
		return core.Consent{}, err
	}

	current.EncryptedPayload = append([]byte(nil), in.EncryptedPayload...)
	current.PayloadFormat = strings.TrimSpace(in.PayloadFormat)
	current.PayloadVersion = in.PayloadVersion
	current.GrantedScopes = append([]string(nil), in.GrantedScopes...)
	current.ExpiresAt = cloneTimePointer(in.ExpiresAt)
	current.UpdatedAt = time.Now().UTC()

	updated, err := s.repo.Update(ctx, current, repository.UpdateByID(consentID))
	if err != nil {
		return core.Consent{}, err
	}
	return updated.toDomain(), nil
}

// UpdateStatus applies the domain transition rules before persisting, so an
// illegal move like revoked to authorized never reaches the database.
func (s *ConsentStore) UpdateStatus(ctx context.Context, id string, status core.ConsentStatus, reason string) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	consentID := strings.TrimSpace(id)
	if consentID == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: consent id is required")
	}

	record, err := s.repo.GetByID(ctx, consentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Consent{}, core.ErrConsentNotFound
		}
		return core.Consent{}, err
	}

	now := time.Now().UTC()
	consent := record.toDomain()
	if err := consent.TransitionTo(status, reason, now); err != nil {
		return core.Consent{}, err
	}

	record.Status = string(consent.Status)
	record.LastError = consent.LastError
	record.RevokedAt = cloneTimePointer(consent.RevokedAt)
	record.UpdatedAt = now
	if consent.Status == core.ConsentStatusRevoked {
		record.EncryptedPayload = nil
	}

	updated, err := s.repo.Update(ctx, record, repository.UpdateByID(consentID))
	if err != nil {
		return core.Consent{}, err
	}
	return updated.toDomain(), nil
}

var _ core.ConsentStore = (*ConsentStore)(nil)
