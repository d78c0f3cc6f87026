package ingestion

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-openfinance/core"
)

// Map normalizes one remote transaction record into the internal shape. It
// is total for records that carry a remote transaction id: missing
// descriptions, booking dates, currencies, and categories all fall back to
// defaults instead of failing the record.
func Map(remote core.RemoteTransaction, account core.ConnectedAccount, categoryID string, now time.Time) (core.Transaction, error) {
	externalRef := strings.TrimSpace(remote.TransactionID)
	if externalRef == "" {
		return core.Transaction{}, core.ErrMissingTransactionID
	}

	categoryID = strings.TrimSpace(categoryID)
	if categoryID == "" {
		categoryID = core.DefaultCategoryID
	}

	txType := core.TransactionTypeExpense
	if strings.EqualFold(strings.TrimSpace(remote.CreditDebitIndicator), "CREDIT") {
		txType = core.TransactionTypeIncome
	}

	description := strings.TrimSpace(remote.Description)
	if description == "" {
		description = core.DefaultTransactionDescription
	}

	currency := strings.TrimSpace(remote.Currency)
	if currency == "" {
		currency = account.Currency
	}

	date := now.UTC()
	if remote.BookingDate != nil {
		date = remote.BookingDate.UTC()
	}

	return core.Transaction{
		ID:                uuid.NewString(),
		AccountID:         account.ID,
		UserID:            account.UserID,
		CategoryID:        categoryID,
		Type:              txType,
		Subtype:           core.TransactionSubtypeVariable,
		Source:            SourceForAccountType(account.AccountType),
		Amount:            remote.Amount.Abs(),
		Currency:          currency,
		Description:       description,
		Date:              date,
		ExternalReference: externalRef,
		BankReference:     externalRef,
		CreatedAt:         now.UTC(),
	}, nil
}

// SourceForAccountType is total over account types; unknown types map to
// the generic source rather than failing.
func SourceForAccountType(accountType core.AccountType) core.TransactionSource {
	switch accountType {
	case core.AccountTypeChecking, core.AccountTypeSavings:
		return core.TransactionSourceBank
	case core.AccountTypeCreditCard:
		return core.TransactionSourceCreditCard
	case core.AccountTypeDebitCard:
		return core.TransactionSourceDebitCard
	default:
		return core.TransactionSourceOther
	}
}
