package postgres

import (
	"context"
	"fmt"
)

// DerivationCounterRepo implements ports.DerivationCounterRepository over the
// single-row derivation_counter table.
type DerivationCounterRepo struct {
	pool Pool
}

// NewDerivationCounterRepo creates a new DerivationCounterRepo.
func NewDerivationCounterRepo(pool Pool) *DerivationCounterRepo {
	return &DerivationCounterRepo{pool: pool}
}

// Current returns the last assigned derivation index.
func (r *DerivationCounterRepo) Current(ctx context.Context) (uint32, error) {
	query := `SELECT last_index FROM derivation_counter WHERE id = 1`

	var last int64
	err := r.pool.QueryRow(ctx, query).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get derivation counter: %w", err)
	}
	return uint32(last), nil
}

// IncrementCAS advances last_index from seen to seen+1. Returns false when a
// concurrent caller already advanced it; the caller re-reads and retries, so
// no index is ever handed out twice.
func (r *DerivationCounterRepo) IncrementCAS(ctx context.Context, seen uint32) (bool, error) {
	query := `UPDATE derivation_counter SET last_index = $1, updated_at = NOW()
		WHERE id = 1 AND last_index = $2`

	tag, err := r.pool.Exec(ctx, query, int64(seen)+1, int64(seen))
	if err != nil {
		return false, fmt.Errorf("increment derivation counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
