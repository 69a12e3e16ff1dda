package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// Command-level idempotency: HTTP-style write dedup keyed by
// (tenant, client-supplied key). The durable record never expires; the redis
// fast path is a bounded-TTL cache over it.

const idempotencyCacheTTL = time.Hour

var ErrIdempotencyKeyRequired = errors.New("idempotency key is required")

// CommandResult tags replays so transports can signal them (e.g. an
// idempotent-replay response header).
type CommandResult struct {
	Replayed bool
	Response []byte
}

func idempotencyCacheKey(companyId, idemKey string) string {
	return "idem:" + companyId + ":" + idemKey
}

// RunIdempotentCommand executes work at most once per (tenant, idemKey) and
// returns the stored response byte-for-byte on every replay.
//
// Lookup order: redis fast path, then the durable record, then a short
// advisory lease to keep concurrent identical requests from duplicating
// work. Losing the final unique-insert race is still a replay: the winner's
// stored response is returned instead of an error.
func RunIdempotentCommand(ctx context.Context, idemKey string, work func(tx *gorm.DB) (interface{}, error)) (*CommandResult, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	if idemKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	cacheKey := idempotencyCacheKey(companyId, idemKey)
	if cached, found, err := config.GetRedisValue(cacheKey); err == nil && found {
		return &CommandResult{Replayed: true, Response: []byte(cached)}, nil
	}

	db := config.GetDB()
	existing, err := models.GetIdempotencyRecord(ctx, db, companyId, idemKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		_ = config.SetRedisValue(cacheKey, string(existing.Response), idempotencyCacheTTL)
		return &CommandResult{Replayed: true, Response: existing.Response}, nil
	}

	var result *CommandResult
	err = utils.WithLockRetry(ctx, "cmd:"+cacheKey, 30*time.Second, 3, 100*time.Millisecond, func(ctx context.Context) error {
		// A concurrent identical request may have finished while we
		// queued for the lease.
		existing, err := models.GetIdempotencyRecord(ctx, db, companyId, idemKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &CommandResult{Replayed: true, Response: existing.Response}
			return nil
		}

		tx := db.WithContext(ctx).Begin()
		response, err := work(tx)
		if err != nil {
			tx.Rollback()
			return err
		}
		body, err := json.Marshal(response)
		if err != nil {
			tx.Rollback()
			return err
		}
		outcome, err := models.CreateOrGetIdempotencyRecord(ctx, tx, companyId, idemKey, body)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !outcome.Created {
			// Lost the race to a concurrent identical request: discard
			// our work and return the winner's response.
			tx.Rollback()
			result = &CommandResult{Replayed: true, Response: outcome.Record.Response}
			return nil
		}
		if err := tx.Commit().Error; err != nil {
			return err
		}
		result = &CommandResult{Replayed: false, Response: body}
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = config.SetRedisValue(cacheKey, string(result.Response), idempotencyCacheTTL)
	return result, nil
}
