package chain_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/chain/chaintest"
	"github.com/coldbell/clmm/backend/internal/dexerr"
)

type blockEngine struct {
	mu         sync.Mutex
	tipAccount solana.PublicKey
	bundles    [][]string
	failSend   bool
}

func (e *blockEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int               `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if r.URL.Path != "/bundles" || json.NewDecoder(r.Body).Decode(&req) != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "getTipAccounts":
		resp["result"] = []string{e.tipAccount.String()}
	case "sendBundle":
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.failSend {
			resp["error"] = map[string]any{"code": -32602, "message": "bundle rejected"}
			break
		}
		var txs []string
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &txs)
		}
		e.bundles = append(e.bundles, txs)
		resp["result"] = "bundle-1"
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (e *blockEngine) sent() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.bundles...)
}

func decodeBundleTx(t *testing.T, encoded string) *solana.Transaction {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	tx, err := solana.TransactionFromBytes(raw)
	require.NoError(t, err)
	return tx
}

func signedTransfer(t *testing.T, payer solana.PrivateKey, blockhash solana.Hash) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, payer.PublicKey(), solana.NewWallet().PublicKey()).Build()},
		blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer })
	require.NoError(t, err)
	return tx
}

func TestBundleSenderSendsTransactionThenTip(t *testing.T) {
	engine := &blockEngine{tipAccount: solana.NewWallet().PublicKey()}
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	fake := chaintest.NewFake()
	blockhash := solana.HashFromBytes(solana.NewWallet().PublicKey().Bytes())
	fake.SetBlockhash(blockhash)
	payer := solana.NewWallet().PrivateKey

	sender, err := chain.NewBundleSender(srv.URL, payer, 12_345, fake, nil)
	require.NoError(t, err)

	payload := signedTransfer(t, payer, blockhash)
	id, err := sender.SendBundle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", id)

	bundles := engine.sent()
	require.Len(t, bundles, 1)
	bundle := bundles[0]
	require.Len(t, bundle, 2)

	first := decodeBundleTx(t, bundle[0])
	assert.Equal(t, payload.Signatures, first.Signatures)

	tip := decodeBundleTx(t, bundle[1])
	assert.Equal(t, blockhash, tip.Message.RecentBlockhash)
	require.NoError(t, tip.VerifySignatures())
	require.Len(t, tip.Message.Instructions, 1)
	ix := tip.Message.Instructions[0]
	assert.True(t, tip.Message.AccountKeys[ix.ProgramIDIndex].Equals(solana.SystemProgramID))
	assert.True(t, tip.Message.AccountKeys[ix.Accounts[0]].Equals(payer.PublicKey()))
	assert.True(t, tip.Message.AccountKeys[ix.Accounts[1]].Equals(engine.tipAccount))
	// system transfer: u32 instruction index, then u64 lamports
	assert.Equal(t, uint64(12_345), binary.LittleEndian.Uint64(ix.Data[4:12]))

	require.NoError(t, sender.Submit(context.Background(), payload))
	assert.Len(t, engine.sent(), 2)
}

func TestBundleSenderRejectedBundleIsRemoteUnavailable(t *testing.T) {
	engine := &blockEngine{tipAccount: solana.NewWallet().PublicKey(), failSend: true}
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	fake := chaintest.NewFake()
	payer := solana.NewWallet().PrivateKey
	sender, err := chain.NewBundleSender(srv.URL, payer, 1, fake, nil)
	require.NoError(t, err)

	_, err = sender.SendBundle(context.Background(), signedTransfer(t, payer, solana.Hash{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dexerr.ErrRemoteUnavailable))
	assert.Empty(t, engine.sent())
}

func TestNewBundleSenderNeedsTipAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": []string{}})
	}))
	t.Cleanup(srv.Close)

	_, err := chain.NewBundleSender(srv.URL, solana.NewWallet().PrivateKey, 1, chaintest.NewFake(), nil)
	assert.Error(t, err)
}
