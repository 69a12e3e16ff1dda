package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// IsDuplicateKeyErr reports whether err is a MySQL unique-constraint
// violation (error 1062). Create-then-catch is the idempotent creation
// pattern used by the sequence allocator and both idempotency guards.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
