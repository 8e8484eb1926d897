package apiserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/idns"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

// quotes

type swapQuoteRequest struct {
	Pool        string `json:"pool"`
	Amount      string `json:"amount"`
	AToB        bool   `json:"a_to_b"`
	SlippageBps uint16 `json:"slippage_bps"`
}

type swapQuoteView struct {
	Pool        string   `json:"pool"`
	AToB        bool     `json:"a_to_b"`
	AmountIn    string   `json:"amount_in"`
	AmountOut   string   `json:"amount_out"`
	Fee         string   `json:"fee"`
	MinimumOut  string   `json:"minimum_out"`
	SlippageBps uint16   `json:"slippage_bps"`
	Price       string   `json:"price"`
	EndPrice    string   `json:"end_price"`
	EndTick     int32    `json:"end_tick"`
	TickArrays  []string `json:"tick_arrays"`
}

func newSwapQuoteView(q *dex.SwapQuote) swapQuoteView {
	arrays := make([]string, 0, len(q.TickArrays))
	for _, a := range q.TickArrays {
		arrays = append(arrays, a.String())
	}
	return swapQuoteView{
		Pool:        q.Pool.Address.String(),
		AToB:        q.Quote.AToB,
		AmountIn:    q.Quote.AmountIn.String(),
		AmountOut:   q.Quote.AmountOut.String(),
		Fee:         q.Quote.Fee.String(),
		MinimumOut:  q.Quote.MinimumOut.String(),
		SlippageBps: q.Quote.SlippageBps,
		Price:       q.Price().String(),
		EndPrice:    q.Quote.EndPrice.String(),
		EndTick:     q.Quote.EndTick,
		TickArrays:  arrays,
	}
}

type liquidityQuoteRequest struct {
	Pool        string `json:"pool"`
	InputMint   string `json:"input_mint"`
	Amount      string `json:"amount"`
	PriceLower  string `json:"price_lower"`
	PriceUpper  string `json:"price_upper"`
	SlippageBps uint16 `json:"slippage_bps"`
}

type liquidityQuoteView struct {
	Pool        string `json:"pool"`
	InputIsA    bool   `json:"input_is_a"`
	Liquidity   string `json:"liquidity"`
	EstimateA   string `json:"estimate_a"`
	EstimateB   string `json:"estimate_b"`
	TokenMaxA   string `json:"token_max_a"`
	TokenMaxB   string `json:"token_max_b"`
	TickLower   int32  `json:"tick_lower"`
	TickUpper   int32  `json:"tick_upper"`
	SlippageBps uint16 `json:"slippage_bps"`
}

func newLiquidityQuoteView(q *dex.LiquidityQuote) liquidityQuoteView {
	return liquidityQuoteView{
		Pool:        q.Pool.Address.String(),
		InputIsA:    q.InputIsA,
		Liquidity:   q.Quote.Liquidity.String(),
		EstimateA:   q.Quote.EstimateA.String(),
		EstimateB:   q.Quote.EstimateB.String(),
		TokenMaxA:   q.Quote.TokenMaxA.String(),
		TokenMaxB:   q.Quote.TokenMaxB.String(),
		TickLower:   q.Quote.TickLower,
		TickUpper:   q.Quote.TickUpper,
		SlippageBps: q.Quote.SlippageBps,
	}
}

func (s *Service) handleQuoteSwap(w http.ResponseWriter, r *http.Request) {
	const op = "quote swap"
	var req swapQuoteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	pool := f.key("pool", req.Pool)
	amount := f.amount("amount", req.Amount)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	quote, err := s.quoter.QuoteSwap(r.Context(), pool, amount, req.AToB, req.SlippageBps)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusOK, newSwapQuoteView(quote))
}

func (s *Service) handleQuoteLiquidity(w http.ResponseWriter, r *http.Request) {
	const op = "quote liquidity"
	var req liquidityQuoteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	pool := f.key("pool", req.Pool)
	inputMint := f.key("input_mint", req.InputMint)
	amount := f.amount("amount", req.Amount)
	lower := f.decimal("price_lower", req.PriceLower)
	upper := f.decimal("price_upper", req.PriceUpper)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	quote, err := s.quoter.QuoteLiquidityByPrice(r.Context(), pool, inputMint, amount, lower, upper, req.SlippageBps)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusOK, newLiquidityQuoteView(quote))
}

// unsigned transactions

type transactionResponse struct {
	Transaction       string            `json:"transaction"`
	SetupTransactions []string          `json:"setup_transactions"`
	Accounts          map[string]string `json:"accounts"`
	Quote             any               `json:"quote,omitempty"`
}

type createPoolRequest struct {
	User         string `json:"user"`
	MintA        string `json:"mint_a"`
	MintB        string `json:"mint_b"`
	TickSpacing  uint16 `json:"tick_spacing"`
	InitialPrice string `json:"initial_price"`
}

type initialPriceView struct {
	SqrtPriceX64 string `json:"sqrt_price_x64"`
	Tick         int32  `json:"tick"`
}

func (s *Service) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	const op = "build create pool"
	var req createPoolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	user := f.key("user", req.User)
	mintA := f.key("mint_a", req.MintA)
	mintB := f.key("mint_b", req.MintB)
	price := f.decimal("initial_price", req.InitialPrice)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	res, err := s.transactions.CreatePool(r.Context(), user, mintA, mintB, req.TickSpacing, price)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusOK, transactionResponse{
		Transaction:       res.Transaction,
		SetupTransactions: []string{},
		Accounts: map[string]string{
			"pool":          res.Pool.String(),
			"mint_a":        res.MintA.String(),
			"mint_b":        res.MintB.String(),
			"token_vault_a": res.TokenVaultA.String(),
			"token_vault_b": res.TokenVaultB.String(),
			"fee_tier":      res.FeeTier.String(),
		},
		Quote: initialPriceView{SqrtPriceX64: res.InitialSqrtPrice.String(), Tick: res.InitialTick},
	})
}

type openPositionRequest struct {
	User        string `json:"user"`
	Pool        string `json:"pool"`
	PriceLower  string `json:"price_lower"`
	PriceUpper  string `json:"price_upper"`
	InputMint   string `json:"input_mint"`
	Amount      string `json:"amount"`
	SlippageBps uint16 `json:"slippage_bps"`
}

func (s *Service) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	const op = "build open position"
	var req openPositionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	user := f.key("user", req.User)
	pool := f.key("pool", req.Pool)
	inputMint := f.key("input_mint", req.InputMint)
	amount := f.amount("amount", req.Amount)
	lower := f.decimal("price_lower", req.PriceLower)
	upper := f.decimal("price_upper", req.PriceUpper)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	res, err := s.transactions.OpenPosition(r.Context(), user, pool, lower, upper, inputMint, amount, req.SlippageBps)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	setup := res.SetupTransactions
	if setup == nil {
		setup = []string{}
	}
	s.respondJSON(w, http.StatusOK, transactionResponse{
		Transaction:       res.Transaction,
		SetupTransactions: setup,
		Accounts: map[string]string{
			"position":               res.Position.String(),
			"position_mint":          res.PositionMint.String(),
			"position_token_account": res.PositionTokenAccount.String(),
			"tick_array_lower":       res.TickArrayLower.String(),
			"tick_array_upper":       res.TickArrayUpper.String(),
		},
		Quote: newLiquidityQuoteView(res.Quote),
	})
}

type swapRequest struct {
	User        string `json:"user"`
	Pool        string `json:"pool"`
	Amount      string `json:"amount"`
	AToB        bool   `json:"a_to_b"`
	SlippageBps uint16 `json:"slippage_bps"`
}

func (s *Service) handleSwap(w http.ResponseWriter, r *http.Request) {
	const op = "build swap"
	var req swapRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	user := f.key("user", req.User)
	pool := f.key("pool", req.Pool)
	amount := f.amount("amount", req.Amount)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	res, err := s.transactions.Swap(r.Context(), user, pool, amount, req.AToB, req.SlippageBps)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	accounts := map[string]string{
		"pool":      res.Pool.String(),
		"token_in":  res.TokenIn.String(),
		"token_out": res.TokenOut.String(),
		"oracle":    res.Oracle.String(),
	}
	for i, a := range res.TickArrays {
		accounts["tick_array_"+strconv.Itoa(i)] = a.String()
	}
	s.respondJSON(w, http.StatusOK, transactionResponse{
		Transaction:       res.Transaction,
		SetupTransactions: []string{},
		Accounts:          accounts,
		Quote:             newSwapQuoteView(res.Quote),
	})
}

// reconciliation

type reconcileResponse struct {
	Applied bool `json:"applied"`
	Result  any  `json:"result,omitempty"`
}

// respondReconciled reports a uniqueness conflict as an already applied
// write rather than an error.
func (s *Service) respondReconciled(w http.ResponseWriter, op string, result any, err error) {
	if errors.Is(err, dexerr.ErrConflict) {
		s.respondJSON(w, http.StatusOK, reconcileResponse{Applied: false})
		return
	}
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reconcileResponse{Applied: true, Result: result})
}

type tokenMetaRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals *uint8 `json:"decimals"`
}

func (m *tokenMetaRequest) meta() mirror.TokenMeta {
	if m == nil {
		return mirror.TokenMeta{}
	}
	return mirror.TokenMeta{Symbol: m.Symbol, Name: m.Name, Decimals: m.Decimals}
}

type reconcilePoolRequest struct {
	Pool        string            `json:"pool"`
	MintA       string            `json:"mint_a"`
	MintB       string            `json:"mint_b"`
	LpMint      string            `json:"lp_mint"`
	TickSpacing uint16            `json:"tick_spacing"`
	TokenA      *tokenMetaRequest `json:"token_a"`
	TokenB      *tokenMetaRequest `json:"token_b"`
}

type poolView struct {
	Address     string    `json:"address"`
	MintA       string    `json:"mint_a"`
	MintB       string    `json:"mint_b"`
	TickSpacing uint16    `json:"tick_spacing"`
	LpMint      string    `json:"lp_mint,omitempty"`
	TVLA        string    `json:"tvl_a"`
	TVLB        string    `json:"tvl_b"`
	VolumeA     string    `json:"volume_a"`
	VolumeB     string    `json:"volume_b"`
	CreatedAt   time.Time `json:"created_at"`
}

func newPoolView(p mirror.Pool) poolView {
	return poolView{
		Address:     p.Address,
		MintA:       p.MintA,
		MintB:       p.MintB,
		TickSpacing: p.TickSpacing,
		LpMint:      p.LpMint,
		TVLA:        intString(p.TVLA),
		TVLB:        intString(p.TVLB),
		VolumeA:     intString(p.VolumeA),
		VolumeB:     intString(p.VolumeB),
		CreatedAt:   p.CreatedAt,
	}
}

func (s *Service) handleReconcilePool(w http.ResponseWriter, r *http.Request) {
	const op = "reconcile pool"
	var req reconcilePoolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	pool := f.key("pool", req.Pool)
	mintA := f.key("mint_a", req.MintA)
	mintB := f.key("mint_b", req.MintB)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	created, err := s.reconciler.RecordPoolCreation(r.Context(), mirror.PoolCreation{
		MintA:       mintA,
		MintB:       mintB,
		TokenA:      req.TokenA.meta(),
		TokenB:      req.TokenB.meta(),
		Pool:        pool,
		LpMint:      strings.TrimSpace(req.LpMint),
		TickSpacing: req.TickSpacing,
	})
	s.respondReconciled(w, op, newPoolView(created), err)
}

type reconcileSwapRequest struct {
	Pool      string `json:"pool"`
	User      string `json:"user"`
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	TxHash    string `json:"tx_hash"`
}

type swapView struct {
	TxHash     string    `json:"tx_hash"`
	Pool       string    `json:"pool"`
	UserWallet string    `json:"user_wallet"`
	TokenIn    string    `json:"token_in"`
	TokenOut   string    `json:"token_out"`
	AmountIn   string    `json:"amount_in"`
	AmountOut  string    `json:"amount_out"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Service) handleReconcileSwap(w http.ResponseWriter, r *http.Request) {
	const op = "reconcile swap"
	var req reconcileSwapRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	in := mirror.SwapRecord{
		Pool:      f.key("pool", req.Pool),
		User:      f.key("user", req.User),
		TokenIn:   f.key("token_in", req.TokenIn),
		TokenOut:  f.key("token_out", req.TokenOut),
		AmountIn:  f.amount("amount_in", req.AmountIn),
		AmountOut: f.amount("amount_out", req.AmountOut),
		TxHash:    f.require("tx_hash", req.TxHash),
	}
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	swap, err := s.reconciler.RecordSwap(r.Context(), in)
	s.respondReconciled(w, op, swapView{
		TxHash:     swap.TxHash,
		Pool:       swap.Pool,
		UserWallet: swap.UserWallet,
		TokenIn:    swap.TokenIn,
		TokenOut:   swap.TokenOut,
		AmountIn:   intString(swap.AmountIn),
		AmountOut:  intString(swap.AmountOut),
		CreatedAt:  swap.CreatedAt,
	}, err)
}

type reconcilePositionRequest struct {
	User    string `json:"user"`
	Pool    string `json:"pool"`
	DeltaA  string `json:"delta_a"`
	DeltaB  string `json:"delta_b"`
	DeltaLp string `json:"delta_lp"`
}

type positionView struct {
	ID         string    `json:"id"`
	UserWallet string    `json:"user_wallet"`
	Pool       string    `json:"pool"`
	AmountA    string    `json:"amount_a"`
	AmountB    string    `json:"amount_b"`
	Liquidity  string    `json:"liquidity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Service) newPositionView(p mirror.Position) positionView {
	return positionView{
		ID:         s.ids.Add(p.ID),
		UserWallet: p.UserWallet,
		Pool:       p.Pool,
		AmountA:    intString(p.AmountA),
		AmountB:    intString(p.AmountB),
		Liquidity:  intString(p.Liquidity),
		UpdatedAt:  p.UpdatedAt,
	}
}

func (s *Service) handleReconcilePosition(w http.ResponseWriter, r *http.Request) {
	const op = "reconcile position"
	var req reconcilePositionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	user := f.key("user", req.User)
	pool := f.key("pool", req.Pool)
	deltaA := f.signedAmount("delta_a", req.DeltaA)
	deltaB := f.signedAmount("delta_b", req.DeltaB)
	deltaLp := f.signedAmount("delta_lp", req.DeltaLp)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	pos, err := s.reconciler.UpsertLiquidityPosition(r.Context(), user, pool, deltaA, deltaB, deltaLp)
	s.respondReconciled(w, op, s.newPositionView(pos), err)
}

// presales and positions

type createPresaleRequest struct {
	Address   string    `json:"address"`
	TokenMint string    `json:"token_mint"`
	Price     string    `json:"price"`
	HardCap   string    `json:"hard_cap"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type presaleView struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	TokenMint   string    `json:"token_mint"`
	Price       string    `json:"price"`
	HardCap     string    `json:"hard_cap"`
	TotalRaised string    `json:"total_raised"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `json:"status"`
	Finalized   bool      `json:"finalized"`
	Recipient   string    `json:"recipient,omitempty"`
	FinalizeTx  string    `json:"finalize_tx,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) newPresaleView(p mirror.Presale) presaleView {
	price := ""
	if !p.Price.IsNil() {
		price = p.Price.String()
	}
	return presaleView{
		ID:          s.ids.Add(p.ID),
		Address:     p.Address,
		TokenMint:   p.TokenMint,
		Price:       price,
		HardCap:     intString(p.HardCap),
		TotalRaised: intString(p.TotalRaised),
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		Status:      string(p.Status),
		Finalized:   p.Finalized,
		Recipient:   p.Recipient,
		FinalizeTx:  p.FinalizeTx,
		CreatedAt:   p.CreatedAt,
	}
}

func (s *Service) handleCreatePresale(w http.ResponseWriter, r *http.Request) {
	const op = "create presale"
	var req createPresaleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	in := mirror.NewPresale{
		Address:   f.key("address", req.Address),
		TokenMint: f.key("token_mint", req.TokenMint),
		Price:     f.decimal("price", req.Price),
		HardCap:   f.amount("hard_cap", req.HardCap),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		f.errs = append(f.errs, "start_time and end_time are required")
	}
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	presale, err := s.reconciler.CreatePresale(r.Context(), in)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, s.newPresaleView(presale))
}

type contributionRequest struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
	TxHash string `json:"tx_hash"`
}

func (s *Service) handleContribution(w http.ResponseWriter, r *http.Request) {
	const op = "record contribution"
	id := s.ids.Strip(r.PathValue("id"))
	var req contributionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondErr(w, op, err)
		return
	}
	var f fields
	wallet := f.key("wallet", req.Wallet)
	amount := f.amount("amount", req.Amount)
	txHash := f.require("tx_hash", req.TxHash)
	if err := f.err(op); err != nil {
		s.respondErr(w, op, err)
		return
	}

	presale, err := s.reconciler.RecordContribution(r.Context(), id, wallet, amount, txHash)
	s.respondReconciled(w, op, s.newPresaleView(presale), err)
}

func (s *Service) handleGetPresale(w http.ResponseWriter, r *http.Request) {
	const op = "get presale"
	presale, err := s.store.GetPresale(r.Context(), s.ids.Strip(r.PathValue("id")))
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.newPresaleView(presale))
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	const op = "list positions"
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if !idns.IsAddress(wallet) {
		s.respondErr(w, op, dexerr.InvalidInput(op, "wallet must be a base58 address"))
		return
	}
	positions, err := s.store.ListPositions(r.Context(), wallet)
	if err != nil {
		s.respondErr(w, op, err)
		return
	}
	items := make([]positionView, 0, len(positions))
	for _, p := range positions {
		items = append(items, s.newPositionView(p))
	}
	s.respondJSON(w, http.StatusOK, listResponse[positionView]{Items: items})
}
