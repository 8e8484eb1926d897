package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	jitorpc "github.com/jito-labs/jito-go-rpc"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

// BundleSender submits a transaction to a Jito block engine as a two-entry
// bundle: the transaction itself followed by a tip transfer from payer.
type BundleSender struct {
	rpcClient   *jitorpc.JitoJsonRpcClient
	chain       Client
	payer       solana.PrivateKey
	tipAccount  solana.PublicKey
	tipLamports uint64
	logger      *zap.Logger
}

func NewBundleSender(endpoint string, payer solana.PrivateKey, tipLamports uint64, chain Client, logger *zap.Logger) (*BundleSender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcClient := jitorpc.NewJitoJsonRpcClient(endpoint, "")
	tip, err := rpcClient.GetRandomTipAccount()
	if err != nil {
		return nil, fmt.Errorf("get random tip account: %w", err)
	}
	tipAccount, err := solana.PublicKeyFromBase58(tip.Address)
	if err != nil {
		return nil, fmt.Errorf("parse tip account %q: %w", tip.Address, err)
	}
	return &BundleSender{
		rpcClient:   rpcClient,
		chain:       chain,
		payer:       payer,
		tipAccount:  tipAccount,
		tipLamports: tipLamports,
		logger:      logger,
	}, nil
}

func (b *BundleSender) Submit(ctx context.Context, tx *solana.Transaction) error {
	id, err := b.SendBundle(ctx, tx)
	if err != nil {
		return err
	}
	b.logger.Info("bundle submitted", zap.String("bundle_id", id), zap.Stringer("signature", tx.Signatures[0]))
	return nil
}

func (b *BundleSender) SendBundle(ctx context.Context, tx *solana.Transaction) (string, error) {
	blockhash, err := b.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tipTx, err := b.tipTransaction(blockhash)
	if err != nil {
		return "", dexerr.New(dexerr.ErrDerivation, "jito tip", err)
	}

	mainEncoded, err := encodeTransaction(tx)
	if err != nil {
		return "", err
	}
	tipEncoded, err := encodeTransaction(tipTx)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", dexerr.RemoteUnavailable("send bundle", err)
	}
	raw, err := b.rpcClient.SendBundle([][]string{{mainEncoded, tipEncoded}})
	if err != nil {
		return "", dexerr.RemoteUnavailable("send bundle", err)
	}
	var bundleID string
	if err := json.Unmarshal(raw, &bundleID); err != nil {
		return "", fmt.Errorf("decode bundle id: %w", err)
	}
	return bundleID, nil
}

// BundleStatus returns the confirmation status of a bundle and whether it
// executed without error.
func (b *BundleSender) BundleStatus(bundleID string) (string, bool, error) {
	res, err := b.rpcClient.GetBundleStatuses([]string{bundleID})
	if err != nil {
		return "", false, dexerr.RemoteUnavailable("bundle status", err)
	}
	if res == nil || len(res.Value) == 0 {
		return "", false, nil
	}
	status := res.Value[0]
	return status.ConfirmationStatus, status.Err.Ok == nil, nil
}

func (b *BundleSender) tipTransaction(blockhash solana.Hash) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(b.tipLamports, b.payer.PublicKey(), b.tipAccount).Build(),
		},
		blockhash,
		solana.TransactionPayer(b.payer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("build tip transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if b.payer.PublicKey().Equals(key) {
			return &b.payer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign tip transaction: %w", err)
	}
	return tx, nil
}

func encodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
