package models

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// MigrateDatabase runs AutoMigrate for every table this service owns.
// Migrations run without a tenant, so the context is marked trusted.
func MigrateDatabase() error {
	ctx := utils.SetTrustedProcessInContext(context.Background(), true)
	db := config.GetDB().WithContext(ctx)

	return db.AutoMigrate(
		&Company{},
		&Account{},
		&PeriodClose{},
		&DocumentSequence{},
		&Journal{},
		&JournalTransaction{},
		&StockMove{},
		&StockBalance{},
		&IdempotencyRecord{},
		&IdempotencyKey{},
		&OutboxRecord{},
	)
}
