package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/model"
)

const poolColumns = `
	id, currency, status, target_amount, min_amount, max_amount, current_amount,
	fee_percentage, min_participants, max_participants, participants, locked,
	rounds_planned, rounds_completed, anonymity_set, average_amount, success_rate,
	priority, started_at, locked_at, created_at, updated_at, version`

// CreatePool inserts a pool.
func (s *Postgres) CreatePool(ctx context.Context, p *model.Pool) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO transaction_pools (`+poolColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		p.ID, p.Currency, p.Status, p.TargetAmount, p.MinAmount, p.MaxAmount, p.CurrentAmount,
		p.FeePercentage, p.MinParticipants, p.MaxParticipants, p.Participants, p.Locked,
		p.RoundsPlanned, p.RoundsCompleted, p.AnonymitySet, p.AverageAmount, p.SuccessRate,
		p.Priority, p.StartedAt, p.LockedAt, p.CreatedAt, p.UpdatedAt, p.Version)
	return wrapDBError("create pool", err)
}

// GetPool retrieves a pool by ID.
func (s *Postgres) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	err := sqlx.GetContext(ctx, s.ext, &p, `
		SELECT `+poolColumns+` FROM transaction_pools WHERE id = $1`, id)
	if err != nil {
		return nil, wrapDBError("get pool", err)
	}
	return &p, nil
}

// UpdatePool persists pool state under the optimistic version counter.
func (s *Postgres) UpdatePool(ctx context.Context, p *model.Pool) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.ext.ExecContext(ctx, `
		UPDATE transaction_pools SET
			status = $3, current_amount = $4, participants = $5, locked = $6,
			rounds_planned = $7, rounds_completed = $8, anonymity_set = $9,
			average_amount = $10, success_rate = $11, priority = $12,
			started_at = $13, locked_at = $14, updated_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.Status, p.CurrentAmount, p.Participants, p.Locked,
		p.RoundsPlanned, p.RoundsCompleted, p.AnonymitySet, p.AverageAmount,
		p.SuccessRate, p.Priority, p.StartedAt, p.LockedAt, p.UpdatedAt)
	if err != nil {
		return wrapDBError("update pool", err)
	}
	if err := guardAffected(res, "update pool"); err != nil {
		return err
	}
	p.Version++
	return nil
}

// ListPoolsByCurrency lists pools of a currency in the given statuses,
// ordered for suitable-pool selection: priority, fill level, age, id.
func (s *Postgres) ListPoolsByCurrency(ctx context.Context, c currency.Currency, statuses []model.PoolStatus) ([]*model.Pool, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var pools []*model.Pool
	err := sqlx.SelectContext(ctx, s.ext, &pools, `
		SELECT `+poolColumns+` FROM transaction_pools
		WHERE currency = $1 AND status = ANY($2)
		ORDER BY priority DESC, current_amount DESC, created_at ASC, id ASC`,
		c, pq.Array(names))
	if err != nil {
		return nil, wrapDBError("list pools", err)
	}
	return pools, nil
}

// ListPoolsByStatus lists pools across currencies in one status.
func (s *Postgres) ListPoolsByStatus(ctx context.Context, status model.PoolStatus, limit int) ([]*model.Pool, error) {
	if limit <= 0 {
		limit = 100
	}
	var pools []*model.Pool
	err := sqlx.SelectContext(ctx, s.ext, &pools, `
		SELECT `+poolColumns+` FROM transaction_pools
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, wrapDBError("list pools by status", err)
	}
	return pools, nil
}
