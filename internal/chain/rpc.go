package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

type RPCConfig struct {
	URL               string
	Commitment        rpc.CommitmentType
	RequestsPerSecond int
	MaxTries          uint
	MaxElapsed        time.Duration
}

// RPCClient implements Client over JSON-RPC with a token-bucket limiter and
// exponential backoff. Not-found responses are permanent.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	limiter    *rate.Limiter
	maxTries   uint
	maxElapsed time.Duration
	logger     *zap.Logger
}

func NewRPCClient(cfg RPCConfig, logger *zap.Logger) *RPCClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	tries := cfg.MaxTries
	if tries == 0 {
		tries = 4
	}
	elapsed := cfg.MaxElapsed
	if elapsed <= 0 {
		elapsed = 15 * time.Second
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCClient{
		rpc:        rpc.New(cfg.URL),
		commitment: commitment,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		maxTries:   tries,
		maxElapsed: elapsed,
		logger:     logger,
	}
}

func call[T any](ctx context.Context, c *RPCClient, op string, fn func(context.Context) (T, error)) (T, error) {
	operation := func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := fn(ctx)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) || errors.Is(err, ErrAccountNotFound) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return v, nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("rpc retry", zap.String("op", op), zap.Error(err), zap.Duration("backoff", wait))
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithMaxElapsedTime(c.maxElapsed),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var zero T
		if errors.Is(err, rpc.ErrNotFound) || errors.Is(err, ErrAccountNotFound) {
			return zero, err
		}
		return zero, dexerr.RemoteUnavailable(op, err)
	}
	return v, nil
}

func (c *RPCClient) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	res, err := call(ctx, c, "get account", func(ctx context.Context) (*rpc.GetAccountInfoResult, error) {
		return c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
		}
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	return toAccount(address, res.Value), nil
}

func (c *RPCClient) GetMultipleAccounts(ctx context.Context, addresses ...solana.PublicKey) ([]*Account, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	res, err := call(ctx, c, "get multiple accounts", func(ctx context.Context) (*rpc.GetMultipleAccountsResult, error) {
		return c.rpc.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{Commitment: c.commitment})
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Account, len(addresses))
	for i, acc := range res.Value {
		if i >= len(out) || acc == nil {
			continue
		}
		out[i] = toAccount(addresses[i], acc)
	}
	return out, nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := call(ctx, c, "get latest blockhash", func(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
		return c.rpc.GetLatestBlockhash(ctx, c.commitment)
	})
	if err != nil {
		return solana.Hash{}, err
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, dexerr.RemoteUnavailable("get latest blockhash", errors.New("empty response"))
	}
	return res.Value.Blockhash, nil
}

func (c *RPCClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*Simulation, error) {
	res, err := call(ctx, c, "simulate transaction", func(ctx context.Context) (*rpc.SimulateTransactionResponse, error) {
		return c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:              false,
			Commitment:             c.commitment,
			ReplaceRecentBlockhash: true,
		})
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, dexerr.RemoteUnavailable("simulate transaction", errors.New("empty response"))
	}
	sim := &Simulation{Err: res.Value.Err, Logs: res.Value.Logs}
	if res.Value.UnitsConsumed != nil {
		sim.UnitsConsumed = *res.Value.UnitsConsumed
	}
	return sim, nil
}

// SendTransaction is rate limited but not retried here; resubmission is the
// caller's decision.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return solana.Signature{}, dexerr.RemoteUnavailable("send transaction", err)
	}
	txOpts := rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: c.commitment,
	}
	if opts.MaxRetries != nil {
		retries := *opts.MaxRetries
		txOpts.MaxRetries = &retries
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, txOpts)
	if err != nil {
		return solana.Signature{}, dexerr.Classify("send transaction", fmt.Errorf("send transaction: %w", err))
	}
	return sig, nil
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	res, err := call(ctx, c, "get signature status", func(ctx context.Context) (*rpc.GetSignatureStatusesResult, error) {
		return c.rpc.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	status := res.Value[0]
	return &SignatureStatus{
		Slot:         status.Slot,
		Confirmation: string(status.ConfirmationStatus),
		Err:          status.Err,
	}, nil
}

func toAccount(address solana.PublicKey, acc *rpc.Account) *Account {
	out := &Account{Address: address, Owner: acc.Owner, Lamports: acc.Lamports}
	if acc.Data != nil {
		out.Data = acc.Data.GetBinary()
	}
	return out
}
