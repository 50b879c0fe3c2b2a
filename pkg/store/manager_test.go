package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	TxStatus
	isolation Isolation
	commitErr error
}

func (t *fakeTx) Context() context.Context                        { return context.Background() }
func (t *fakeTx) Isolation() Isolation                            { return t.isolation }
func (t *fakeTx) Users() UserRepository                           { return nil }
func (t *fakeTx) Channels() ChannelRepository                     { return nil }
func (t *fakeTx) Messages() MessageRepository                     { return nil }
func (t *fakeTx) Sessions() SessionRepository                     { return nil }
func (t *fakeTx) AccessTokens() AccessTokenRepository             { return nil }
func (t *fakeTx) RefreshTokens() RefreshTokenRepository           { return nil }
func (t *fakeTx) ChannelInvitations() ChannelInvitationRepository { return nil }
func (t *fakeTx) ImInvitations() ImInvitationRepository           { return nil }

func (t *fakeTx) Commit() error {
	if t.commitErr != nil {
		_ = t.Finish(TxRolledBack)
		return t.commitErr
	}
	return t.Finish(TxCommitted)
}

func (t *fakeTx) Rollback() error {
	return t.Finish(TxRolledBack)
}

type fakeBeginner struct {
	txs        []*fakeTx
	commitErrs []error
}

func (b *fakeBeginner) Begin(_ context.Context, isolation Isolation) (Tx, error) {
	tx := &fakeTx{isolation: isolation}
	if n := len(b.txs); n < len(b.commitErrs) {
		tx.commitErr = b.commitErrs[n]
	}
	if err := tx.Activate(); err != nil {
		return nil, err
	}
	b.txs = append(b.txs, tx)
	return tx, nil
}

func (b *fakeBeginner) states() []TxState {
	out := make([]TxState, 0, len(b.txs))
	for _, tx := range b.txs {
		out = append(out, tx.State())
	}
	return out
}

func conflictUntil(n int, calls *int) func(Transaction) error {
	return func(Transaction) error {
		*calls++
		if *calls <= n {
			return fmt.Errorf("write skew on channels: %w", ErrSerializationConflict)
		}
		return nil
	}
}

func TestRunRetriesSerializableConflicts(t *testing.T) {
	b := &fakeBeginner{}
	m := NewTransactionManager(b)
	calls := 0

	err := m.Run(context.Background(), Serializable, conflictUntil(2, &calls))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []TxState{TxRolledBack, TxRolledBack, TxCommitted}, b.states())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	b := &fakeBeginner{}
	m := NewTransactionManager(b)
	calls := 0

	err := m.Run(context.Background(), Serializable, conflictUntil(10, &calls))

	assert.ErrorIs(t, err, ErrSerializationConflict)
	assert.Equal(t, DefaultMaxAttempts, calls)
}

func TestRunDoesNotRetryBelowSerializable(t *testing.T) {
	for _, iso := range []Isolation{Default, ReadUncommitted, ReadCommitted, RepeatableRead} {
		t.Run(iso.String(), func(t *testing.T) {
			calls := 0
			err := NewTransactionManager(&fakeBeginner{}).Run(context.Background(), iso, conflictUntil(1, &calls))
			assert.ErrorIs(t, err, ErrSerializationConflict)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRunPropagatesOtherErrors(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := NewTransactionManager(b).Run(context.Background(), Serializable, func(Transaction) error {
		calls++
		return fmt.Errorf("channel name taken: %w", ErrConflict)
	})

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []TxState{TxRolledBack}, b.states())
}

func TestRunRetriesConflictDetectedAtCommit(t *testing.T) {
	b := &fakeBeginner{commitErrs: []error{ErrSerializationConflict}}
	calls := 0
	err := NewTransactionManager(b).Run(context.Background(), Serializable, func(Transaction) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []TxState{TxRolledBack, TxCommitted}, b.states())
}

func TestRunRollsBackOnPanic(t *testing.T) {
	b := &fakeBeginner{}
	m := NewTransactionManager(b)

	assert.PanicsWithValue(t, "boom", func() {
		_ = m.Run(context.Background(), ReadCommitted, func(Transaction) error {
			panic("boom")
		})
	})
	assert.Equal(t, []TxState{TxRolledBack}, b.states())
}

func TestRunResult(t *testing.T) {
	m := NewTransactionManager(&fakeBeginner{}, WithMaxAttempts(5))

	got, err := RunResult(context.Background(), m, ReadCommitted, func(Transaction) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = RunResult(context.Background(), m, ReadCommitted, func(Transaction) (int, error) {
		return 1, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}

func TestTxStatusLifecycle(t *testing.T) {
	var s TxStatus
	assert.Equal(t, TxIdle, s.State())
	assert.ErrorIs(t, s.CheckActive(), ErrTransactionClosed)

	require.NoError(t, s.Activate())
	require.NoError(t, s.CheckActive())
	require.NoError(t, s.Finish(TxCommitted))

	assert.ErrorIs(t, s.Finish(TxRolledBack), ErrTransactionClosed)
	assert.ErrorIs(t, s.Activate(), ErrTransactionClosed)
	assert.Equal(t, TxCommitted, s.State())
}

func TestParseIsolation(t *testing.T) {
	tests := map[string]Isolation{
		"":                 ReadCommitted,
		"serializable":     Serializable,
		"REPEATABLE_READ":  RepeatableRead,
		"read uncommitted": ReadUncommitted,
		"DEFAULT":          Default,
	}
	for in, want := range tests {
		got, err := ParseIsolation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseIsolation("snapshot")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
