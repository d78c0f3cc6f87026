package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-openfinance/core"
)

func newInstitutionRecord(in core.UpsertInstitutionInput, now time.Time) *institutionRecord {
	return &institutionRecord{
		Code:                strings.TrimSpace(in.Code),
		Name:                strings.TrimSpace(in.Name),
		APIBaseURL:          strings.TrimSpace(in.APIBaseURL),
		SandboxBaseURL:      strings.TrimSpace(in.SandboxBaseURL),
		AuthorizationURL:    strings.TrimSpace(in.AuthorizationURL),
		TokenURL:            strings.TrimSpace(in.TokenURL),
		CertificateRequired: in.CertificateRequired,
		Active:              in.Active,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (r *institutionRecord) toDomain() core.Institution {
	if r == nil {
		return core.Institution{}
	}
	return core.Institution{
		ID:                  r.ID,
		Code:                r.Code,
		Name:                r.Name,
		APIBaseURL:          r.APIBaseURL,
		SandboxBaseURL:      r.SandboxBaseURL,
		AuthorizationURL:    r.AuthorizationURL,
		TokenURL:            r.TokenURL,
		CertificateRequired: r.CertificateRequired,
		Active:              r.Active,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func newConsentRecord(in core.CreateConsentInput, now time.Time) *consentRecord {
	return &consentRecord{
		UserID:          strings.TrimSpace(in.UserID),
		InstitutionID:   strings.TrimSpace(in.InstitutionID),
		Status:          string(core.ConsentStatusPending),
		RequestedScopes: append([]string(nil), in.RequestedScopes...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *consentRecord) toDomain() core.Consent {
	if r == nil {
		return core.Consent{}
	}
	return core.Consent{
		ID:               r.ID,
		UserID:           r.UserID,
		InstitutionID:    r.InstitutionID,
		Status:           core.ConsentStatus(r.Status),
		EncryptedPayload: append([]byte(nil), r.EncryptedPayload...),
		PayloadFormat:    r.PayloadFormat,
		PayloadVersion:   r.PayloadVersion,
		RequestedScopes:  append([]string(nil), r.RequestedScopes...),
		GrantedScopes:    append([]string(nil), r.GrantedScopes...),
		ExpiresAt:        cloneTimePointer(r.ExpiresAt),
		RevokedAt:        cloneTimePointer(r.RevokedAt),
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func newAccountRecord(in core.CreateAccountInput, now time.Time) *accountRecord {
	return &accountRecord{
		UserID:            strings.TrimSpace(in.UserID),
		ConsentID:         strings.TrimSpace(in.ConsentID),
		InstitutionID:     strings.TrimSpace(in.InstitutionID),
		ExternalAccountID: strings.TrimSpace(in.ExternalAccountID),
		AccountType:       string(in.AccountType),
		Currency:          strings.TrimSpace(in.Currency),
		SyncStatus:        string(core.AccountSyncStatusPending),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (r *accountRecord) toDomain() core.ConnectedAccount {
	if r == nil {
		return core.ConnectedAccount{}
	}
	return core.ConnectedAccount{
		ID:                r.ID,
		UserID:            r.UserID,
		ConsentID:         r.ConsentID,
		InstitutionID:     r.InstitutionID,
		ExternalAccountID: r.ExternalAccountID,
		AccountType:       core.AccountType(r.AccountType),
		Currency:          r.Currency,
		Balance:           r.Balance,
		SyncStatus:        core.AccountSyncStatus(r.SyncStatus),
		LastSyncedAt:      cloneTimePointer(r.LastSyncedAt),
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func newSyncLogRecord(in core.AppendSyncLogInput, now time.Time) *syncLogRecord {
	return &syncLogRecord{
		AccountID:       strings.TrimSpace(in.AccountID),
		SyncType:        string(in.SyncType),
		Outcome:         string(in.Outcome),
		RecordsImported: in.RecordsImported,
		ErrorMessage:    strings.TrimSpace(in.ErrorMessage),
		StartedAt:       in.StartedAt.UTC(),
		FinishedAt:      in.FinishedAt.UTC(),
		CreatedAt:       now,
	}
}

func (r *syncLogRecord) toDomain() core.AccountSyncLog {
	if r == nil {
		return core.AccountSyncLog{}
	}
	return core.AccountSyncLog{
		ID:              r.ID,
		AccountID:       r.AccountID,
		SyncType:        core.SyncType(r.SyncType),
		Outcome:         core.SyncOutcome(r.Outcome),
		RecordsImported: r.RecordsImported,
		ErrorMessage:    r.ErrorMessage,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		CreatedAt:       r.CreatedAt,
	}
}

func newTransactionRecord(tx core.Transaction, now time.Time) *transactionRecord {
	record := &transactionRecord{
		ID:                strings.TrimSpace(tx.ID),
		AccountID:         strings.TrimSpace(tx.AccountID),
		UserID:            strings.TrimSpace(tx.UserID),
		CategoryID:        strings.TrimSpace(tx.CategoryID),
		Type:              string(tx.Type),
		Subtype:           tx.Subtype,
		Source:            string(tx.Source),
		Amount:            tx.Amount,
		Currency:          strings.TrimSpace(tx.Currency),
		Description:       tx.Description,
		Date:              tx.Date.UTC(),
		ExternalReference: strings.TrimSpace(tx.ExternalReference),
		BankReference:     strings.TrimSpace(tx.BankReference),
		CreatedAt:         now,
	}
	if !tx.CreatedAt.IsZero() {
		record.CreatedAt = tx.CreatedAt.UTC()
	}
	return record
}

func (r *transactionRecord) toDomain() core.Transaction {
	if r == nil {
		return core.Transaction{}
	}
	return core.Transaction{
		ID:                r.ID,
		AccountID:         r.AccountID,
		UserID:            r.UserID,
		CategoryID:        r.CategoryID,
		Type:              core.TransactionType(r.Type),
		Subtype:           r.Subtype,
		Source:            core.TransactionSource(r.Source),
		Amount:            r.Amount,
		Currency:          r.Currency,
		Description:       r.Description,
		Date:              r.Date,
		ExternalReference: r.ExternalReference,
		BankReference:     r.BankReference,
		CreatedAt:         r.CreatedAt,
	}
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
