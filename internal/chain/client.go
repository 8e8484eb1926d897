// Package chain is the boundary between the backend and the Solana cluster.
// Everything above it sees plain account bytes and statuses; only the RPC
// implementation knows about the JSON-RPC client.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned by GetAccount when the address holds no
// account. It is never retried.
var ErrAccountNotFound = errors.New("account not found")

const (
	ConfirmationProcessed = "processed"
	ConfirmationConfirmed = "confirmed"
	ConfirmationFinalized = "finalized"
)

type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

type SignatureStatus struct {
	Slot         uint64
	Confirmation string
	// Err is the transaction error reported by the cluster, nil on success.
	Err any
}

// Landed reports whether the transaction reached at least confirmed.
func (s *SignatureStatus) Landed() bool {
	if s == nil {
		return false
	}
	return s.Confirmation == ConfirmationConfirmed || s.Confirmation == ConfirmationFinalized
}

func (s *SignatureStatus) Succeeded() bool {
	return s.Landed() && s.Err == nil
}

type Simulation struct {
	Err           any
	Logs          []string
	UnitsConsumed uint64
}

type SendOptions struct {
	SkipPreflight bool
	MaxRetries    *uint
}

// Client is the subset of cluster RPC the backend depends on.
type Client interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	// GetMultipleAccounts returns one entry per address, nil where absent.
	GetMultipleAccounts(ctx context.Context, addresses ...solana.PublicKey) ([]*Account, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*Simulation, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error)
	// GetSignatureStatus returns nil when the cluster has no record of sig.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
}

// Submitter lands a fully signed transaction on the cluster.
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction) error
}

// RPCSubmitter submits through Client.SendTransaction.
type RPCSubmitter struct {
	Client  Client
	Options SendOptions
}

func (s RPCSubmitter) Submit(ctx context.Context, tx *solana.Transaction) error {
	_, err := s.Client.SendTransaction(ctx, tx, s.Options)
	return err
}
