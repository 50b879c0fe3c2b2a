package store

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Transaction is the unit-of-work context handed to TransactionManager.Run.
// Every repository it returns is bound to the same underlying transaction.
type Transaction interface {
	Context() context.Context
	Isolation() Isolation
	Users() UserRepository
	Channels() ChannelRepository
	Messages() MessageRepository
	Sessions() SessionRepository
	AccessTokens() AccessTokenRepository
	RefreshTokens() RefreshTokenRepository
	ChannelInvitations() ChannelInvitationRepository
	ImInvitations() ImInvitationRepository
}

// Tx is a Transaction that can be finished. A failed Commit leaves the Tx
// rolled back.
type Tx interface {
	Transaction
	Commit() error
	Rollback() error
	State() TxState
}

// Beginner opens transactions for a storage engine.
type Beginner interface {
	Begin(ctx context.Context, isolation Isolation) (Tx, error)
}

type TxState int32

const (
	TxIdle TxState = iota
	TxActive
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("TxState(%d)", int32(s))
	}
}

// TxStatus tracks the Idle -> Active -> Committed|RolledBack lifecycle for
// engine transactions.
type TxStatus struct {
	state atomic.Int32
}

func (s *TxStatus) Activate() error {
	if !s.state.CompareAndSwap(int32(TxIdle), int32(TxActive)) {
		return fmt.Errorf("%w: cannot begin from state %s", ErrTransactionClosed, s.State())
	}
	return nil
}

func (s *TxStatus) State() TxState {
	return TxState(s.state.Load())
}

// CheckActive fails with ErrTransactionClosed unless the transaction is active.
func (s *TxStatus) CheckActive() error {
	if st := s.State(); st != TxActive {
		return fmt.Errorf("%w: transaction is %s", ErrTransactionClosed, st)
	}
	return nil
}

// Finish moves an active transaction to the terminal state to.
func (s *TxStatus) Finish(to TxState) error {
	if !s.state.CompareAndSwap(int32(TxActive), int32(to)) {
		return fmt.Errorf("%w: transaction is %s", ErrTransactionClosed, s.State())
	}
	return nil
}
