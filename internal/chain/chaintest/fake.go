// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/clmm/backend/internal/chain"
)

// Fake is a goroutine-safe chain.Client backed by maps. Sent transactions
// are recorded; when AutoConfirm is set each send registers a confirmed
// status for the transaction's first signature.
type Fake struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*chain.Account
	statuses  map[solana.Signature]*chain.SignatureStatus
	sent      []*solana.Transaction
	blockhash solana.Hash
	reads     int

	AutoConfirm bool
	// SendHook, when set, runs before a send is recorded and may fail it.
	SendHook func(tx *solana.Transaction) error
	// Simulate, when set, answers SimulateTransaction.
	Simulate func(tx *solana.Transaction) *chain.Simulation
}

var _ chain.Client = (*Fake)(nil)

func NewFake() *Fake {
	var blockhash solana.Hash
	copy(blockhash[:], "chaintest-recent-blockhash-00001")
	return &Fake{
		accounts:    make(map[solana.PublicKey]*chain.Account),
		statuses:    make(map[solana.Signature]*chain.SignatureStatus),
		blockhash:   blockhash,
		AutoConfirm: true,
	}
}

func (f *Fake) SetAccount(address, owner solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[address] = &chain.Account{
		Address:  address,
		Owner:    owner,
		Lamports: 1_000_000,
		Data:     append([]byte(nil), data...),
	}
}

func (f *Fake) DeleteAccount(address solana.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, address)
}

func (f *Fake) SetBlockhash(h solana.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhash = h
}

func (f *Fake) SetStatus(sig solana.Signature, status *chain.SignatureStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = status
}

// Sent returns the transactions submitted so far.
func (f *Fake) Sent() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

// Reads counts account reads, for asserting that callers do not cache.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *Fake) GetAccount(_ context.Context, address solana.PublicKey) (*chain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	acc, ok := f.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, chain.ErrAccountNotFound)
	}
	return copyAccount(acc), nil
}

func (f *Fake) GetMultipleAccounts(_ context.Context, addresses ...solana.PublicKey) ([]*chain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads += len(addresses)
	out := make([]*chain.Account, len(addresses))
	for i, address := range addresses {
		if acc, ok := f.accounts[address]; ok {
			out[i] = copyAccount(acc)
		}
	}
	return out, nil
}

func (f *Fake) GetLatestBlockhash(context.Context) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash, nil
}

func (f *Fake) SimulateTransaction(_ context.Context, tx *solana.Transaction) (*chain.Simulation, error) {
	if f.Simulate != nil {
		return f.Simulate(tx), nil
	}
	return &chain.Simulation{Logs: []string{"Program log: ok"}}, nil
}

func (f *Fake) SendTransaction(_ context.Context, tx *solana.Transaction, _ chain.SendOptions) (solana.Signature, error) {
	if f.SendHook != nil {
		if err := f.SendHook(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, nil
	}
	sig := tx.Signatures[0]
	if f.AutoConfirm {
		f.statuses[sig] = &chain.SignatureStatus{Slot: uint64(len(f.sent)), Confirmation: chain.ConfirmationConfirmed}
	}
	return sig, nil
}

func (f *Fake) GetSignatureStatus(_ context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[sig]
	if !ok {
		return nil, nil
	}
	cp := *status
	return &cp, nil
}

func copyAccount(acc *chain.Account) *chain.Account {
	cp := *acc
	cp.Data = append([]byte(nil), acc.Data...)
	return &cp
}
