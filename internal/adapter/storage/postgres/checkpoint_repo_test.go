package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainCheckpointRepo_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainCheckpointRepo(mock)

	mock.ExpectQuery("SELECT last_block FROM chain_checkpoints").
		WithArgs("ethereum").
		WillReturnRows(pgxmock.NewRows([]string{"last_block"}).AddRow(uint64(19_000_000)))

	last, err := repo.Get(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(19_000_000), last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainCheckpointRepo_Get_Missing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainCheckpointRepo(mock)

	mock.ExpectQuery("SELECT last_block FROM chain_checkpoints").
		WithArgs("sepolia").
		WillReturnRows(pgxmock.NewRows([]string{"last_block"}))

	last, err := repo.Get(context.Background(), "sepolia")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainCheckpointRepo_Advance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainCheckpointRepo(mock)

	mock.ExpectExec("UPDATE chain_checkpoints SET last_block").
		WithArgs(uint64(19_000_010), "ethereum", uint64(19_000_000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := repo.Advance(context.Background(), "ethereum", 19_000_000, 19_000_010)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainCheckpointRepo_Advance_StaleFrom(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainCheckpointRepo(mock)

	mock.ExpectExec("UPDATE chain_checkpoints SET last_block").
		WithArgs(uint64(19_000_010), "ethereum", uint64(18_999_990)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.Advance(context.Background(), "ethereum", 18_999_990, 19_000_010)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainCheckpointRepo_Advance_Bootstrap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewChainCheckpointRepo(mock)

	mock.ExpectExec("INSERT INTO chain_checkpoints").
		WithArgs("ethereum", uint64(19_000_000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := repo.Advance(context.Background(), "ethereum", 0, 19_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDerivationCounterRepo_Current(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDerivationCounterRepo(mock)

	mock.ExpectQuery("SELECT last_index FROM derivation_counter").
		WillReturnRows(pgxmock.NewRows([]string{"last_index"}).AddRow(int64(41)))

	cur, err := repo.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(41), cur)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDerivationCounterRepo_IncrementCAS(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDerivationCounterRepo(mock)

	mock.ExpectExec("UPDATE derivation_counter SET last_index").
		WithArgs(int64(42), int64(41)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := repo.IncrementCAS(context.Background(), 41)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDerivationCounterRepo_IncrementCAS_LostRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDerivationCounterRepo(mock)

	mock.ExpectExec("UPDATE derivation_counter SET last_index").
		WithArgs(int64(42), int64(41)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.IncrementCAS(context.Background(), 41)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
