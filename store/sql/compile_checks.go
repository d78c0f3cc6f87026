package sqlstore

import "github.com/goliatone/go-openfinance/core"

var (
	_ core.InstitutionStore = (*InstitutionStore)(nil)
	_ core.ConsentStore     = (*ConsentStore)(nil)
	_ core.AccountStore     = (*AccountStore)(nil)
	_ core.SyncLogStore     = (*SyncLogStore)(nil)
	_ core.TransactionStore = (*TransactionStore)(nil)
)
