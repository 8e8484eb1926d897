package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

// ErrTransactionFailed marks a transaction that landed with an error.
var ErrTransactionFailed = errors.New("transaction failed")

const DefaultConfirmInterval = 700 * time.Millisecond

// WaitForConfirmation polls the signature status until the transaction is
// confirmed, fails on-chain, or ctx ends. Transient status errors are
// swallowed and polled again.
func WaitForConfirmation(ctx context.Context, client Client, sig solana.Signature, interval time.Duration) (*SignatureStatus, error) {
	if interval <= 0 {
		interval = DefaultConfirmInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, dexerr.RemoteUnavailable("wait for confirmation", fmt.Errorf("%s: %w", sig, ctx.Err()))
		case <-ticker.C:
			status, err := client.GetSignatureStatus(ctx, sig)
			if err != nil || status == nil {
				continue
			}
			if status.Err != nil {
				return status, fmt.Errorf("%s: %w: %v", sig, ErrTransactionFailed, status.Err)
			}
			if status.Landed() {
				return status, nil
			}
		}
	}
}
