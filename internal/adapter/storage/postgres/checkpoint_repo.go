package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChainCheckpointRepo implements ports.ChainCheckpointRepository.
type ChainCheckpointRepo struct {
	pool Pool
}

// NewChainCheckpointRepo creates a new ChainCheckpointRepo.
func NewChainCheckpointRepo(pool Pool) *ChainCheckpointRepo {
	return &ChainCheckpointRepo{pool: pool}
}

// Get returns the last fully scanned block for a network. Returns 0 when no
// checkpoint exists yet; the watcher bootstraps from the current head.
func (r *ChainCheckpointRepo) Get(ctx context.Context, network string) (uint64, error) {
	query := `SELECT last_block FROM chain_checkpoints WHERE network = $1`

	var last uint64
	err := r.pool.QueryRow(ctx, query, network).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get chain checkpoint: %w", err)
	}
	return last, nil
}

// Advance moves the checkpoint from one block to another. The guard on the
// stored value keeps it monotonic when two watcher instances race; an insert
// handles the first advance on a fresh network.
func (r *ChainCheckpointRepo) Advance(ctx context.Context, network string, from, to uint64) (bool, error) {
	if from == 0 {
		query := `INSERT INTO chain_checkpoints (network, last_block, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (network) DO UPDATE SET last_block = $2, updated_at = NOW()
			WHERE chain_checkpoints.last_block = 0`

		tag, err := r.pool.Exec(ctx, query, network, to)
		if err != nil {
			return false, fmt.Errorf("init chain checkpoint: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	query := `UPDATE chain_checkpoints SET last_block = $1, updated_at = NOW()
		WHERE network = $2 AND last_block = $3`

	tag, err := r.pool.Exec(ctx, query, to, network, from)
	if err != nil {
		return false, fmt.Errorf("advance chain checkpoint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
