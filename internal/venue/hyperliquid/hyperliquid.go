// Package hyperliquid provides Hyperliquid perp connectivity. Reads go
// through POST /info; trading actions are msgpack-hashed, EIP-712
// signed, and posted to /exchange. Order events arrive on the
// websocket stream.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/internal/venue/base"
	apperrors "funding_keeper/pkg/errors"
	nethttp "funding_keeper/pkg/http"
	wsclient "funding_keeper/pkg/websocket"
)

const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
)

const (
	infoPath     = "/info"
	exchangePath = "/exchange"

	// marketSlippage pads the synthetic limit of a market order past
	// the mark so an IOC fill survives small price moves.
	marketSlippage = 0.005

	defaultAssetTTL = time.Minute
	eventBuffer     = 256
)

// Config carries the connection and signing settings for one account.
type Config struct {
	BaseURL       string // REST endpoint, empty selects the public one
	WSURL         string // stream endpoint, empty selects the public one
	WalletAddress string // account queried for state, defaults to the key's address
	PrivateKey    string // hex signing key, empty leaves the adapter read-only
	VaultAddress  string // optional vault the account trades for
	Testnet       bool
	AssetCacheTTL time.Duration
}

// Adapter implements the venue adapter contract for Hyperliquid.
type Adapter struct {
	*base.Adapter

	cfg    Config
	http   *nethttp.Client
	signer *Signer
	assets *assetDirectory

	lastNonce int64 // atomic

	streamMu sync.Mutex
	stream   *wsclient.Client
}

var _ core.IVenueAdapter = (*Adapter)(nil)

// New builds the adapter. Without a private key the adapter is
// read-only: info calls work, exchange calls fail with
// SIGNATURE_FAILURE.
func New(cfg Config, logger core.ILogger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetAPIURL
		if cfg.Testnet {
			cfg.BaseURL = TestnetAPIURL
		}
	}
	if cfg.WSURL == "" {
		cfg.WSURL = MainnetWSURL
		if cfg.Testnet {
			cfg.WSURL = TestnetWSURL
		}
	}
	if cfg.AssetCacheTTL <= 0 {
		cfg.AssetCacheTTL = defaultAssetTTL
	}
	var signer *Signer
	if cfg.PrivateKey != "" {
		var err error
		signer, err = NewSigner(cfg.PrivateKey, cfg.Testnet)
		if err != nil {
			return nil, err
		}
		if cfg.WalletAddress == "" {
			cfg.WalletAddress = signer.Address().Hex()
		}
	}
	a := &Adapter{
		Adapter: base.NewAdapter(core.VenueHyperliquid, logger),
		cfg:     cfg,
		signer:  signer,
		assets:  newAssetDirectory(),
	}
	a.http = nethttp.NewClient(string(core.VenueHyperliquid), cfg.BaseURL, base.DefaultCallTimeout, nil)
	return a, nil
}

// Initialize loads the asset directory and, when an account is
// configured, verifies it is readable.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.refreshAssets(ctx); err != nil {
		return err
	}
	if a.accountUser() != "" {
		if _, err := a.accountState(ctx, "initialize"); err != nil {
			return err
		}
	}
	a.Logger().Info("hyperliquid adapter initialized",
		"assets", a.assets.size(),
		"wallet", a.cfg.WalletAddress,
		"vault", a.cfg.VaultAddress,
		"testnet", a.cfg.Testnet)
	return nil
}

// accountUser returns the address whose state is queried: the vault
// when trading for one, otherwise the wallet.
func (a *Adapter) accountUser() string {
	if a.cfg.VaultAddress != "" {
		return a.cfg.VaultAddress
	}
	return a.cfg.WalletAddress
}

func (a *Adapter) requireUser(op string) (string, error) {
	user := a.accountUser()
	if user == "" {
		return "", apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation, op,
			"no wallet address configured", nil)
	}
	return user, nil
}

// infoCall posts one typed request to the info endpoint and decodes
// the response into out.
func (a *Adapter) infoCall(ctx context.Context, op string, req infoRequest, out interface{}) error {
	ctx, cancel := a.CallCtx(ctx)
	defer cancel()
	body, err := a.http.Post(ctx, infoPath, req)
	if err != nil {
		return a.WrapErr(op, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return a.WrapErr(op, fmt.Errorf("decode %s response: %w", req.Type, err))
	}
	return nil
}

// refreshAssets reloads the perp universe. metaAndAssetCtxs returns a
// two-element array: the universe, then the per-asset contexts in the
// same order.
func (a *Adapter) refreshAssets(ctx context.Context) error {
	var raw []json.RawMessage
	if err := a.infoCall(ctx, "refresh_assets", infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return apperrors.NewVenueError(string(a.Name()), apperrors.KindInternal, "refresh_assets",
			"truncated metaAndAssetCtxs payload", nil)
	}
	var meta metaUniverse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return a.WrapErr("refresh_assets", fmt.Errorf("decode universe: %w", err))
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return a.WrapErr("refresh_assets", fmt.Errorf("decode asset contexts: %w", err))
	}
	a.assets.replace(meta.Universe, ctxs)
	return nil
}

// asset resolves one coin, refreshing the directory when it is older
// than the cache TTL. A failed refresh falls back to the cached copy.
func (a *Adapter) asset(ctx context.Context, coin string) (assetEntry, error) {
	if a.assets.age() > a.cfg.AssetCacheTTL {
		if err := a.refreshAssets(ctx); err != nil {
			if a.assets.size() == 0 {
				return assetEntry{}, err
			}
			a.Logger().Warn("asset refresh failed, serving cached directory", "error", err)
		}
	}
	entry, ok := a.assets.lookup(coin)
	if !ok {
		return assetEntry{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"asset_lookup", fmt.Sprintf("unknown asset %q", coin), nil)
	}
	return entry, nil
}

func (a *Adapter) accountState(ctx context.Context, op string) (*clearinghouseState, error) {
	user, err := a.requireUser(op)
	if err != nil {
		return nil, err
	}
	var state clearinghouseState
	if err := a.infoCall(ctx, op, infoRequest{Type: "clearinghouseState", User: user}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]core.Position, error) {
	state, err := a.accountState(ctx, "get_positions")
	if err != nil {
		return nil, err
	}
	positions := make([]core.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		if pos, ok := a.mapPosition(ap.Position); ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	state, err := a.accountState(ctx, "get_position")
	if err != nil {
		return nil, err
	}
	for _, ap := range state.AssetPositions {
		if !strings.EqualFold(ap.Position.Coin, symbol) {
			continue
		}
		if pos, ok := a.mapPosition(ap.Position); ok {
			return &pos, nil
		}
	}
	return nil, nil
}

// mapPosition converts one venue position. szi is signed: positive
// long, negative short. Flat entries are skipped.
func (a *Adapter) mapPosition(raw perpPosition) (core.Position, bool) {
	szi := a.ParseDecimal(raw.Szi)
	if szi.IsZero() {
		return core.Position{}, false
	}
	side := core.SideLong
	if szi.IsNegative() {
		side = core.SideShort
	}
	pos := core.Position{
		Venue:            a.Name(),
		Symbol:           strings.ToUpper(raw.Coin),
		Side:             side,
		Size:             szi.Abs(),
		EntryPrice:       a.ParseDecimal(raw.EntryPx),
		UnrealizedPnl:    a.ParseDecimal(raw.UnrealizedPnl),
		LiquidationPrice: a.ParseDecimal(raw.LiquidationPx),
		MarginUsed:       a.ParseDecimal(raw.MarginUsed),
		Leverage:         decimal.NewFromInt(int64(raw.Leverage.Value)),
	}
	if entry, ok := a.assets.lookup(raw.Coin); ok {
		pos.MarkPrice = a.ParseDecimal(entry.ctx.MarkPx)
	}
	return pos, true
}

func (a *Adapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	state, err := a.accountState(ctx, "get_balance")
	if err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(state.MarginSummary.TotalRawUsd), nil
}

func (a *Adapter) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	state, err := a.accountState(ctx, "get_equity")
	if err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(state.MarginSummary.AccountValue), nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	state, err := a.accountState(ctx, "get_available_margin")
	if err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(state.Withdrawable), nil
}

func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	entry, err := a.asset(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	mark := a.ParseDecimal(entry.ctx.MarkPx)
	if mark.IsZero() {
		return decimal.Zero, apperrors.NewVenueError(string(a.Name()), apperrors.KindInternal,
			"get_mark_price", fmt.Sprintf("no mark price for %s", symbol), nil)
	}
	return mark, nil
}

func (a *Adapter) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	entry, err := a.asset(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var book l2Book
	if err := a.infoCall(ctx, "get_best_bid_ask", infoRequest{Type: "l2Book", Coin: entry.name}, &book); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(book.Levels) < 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return decimal.Zero, decimal.Zero, apperrors.NewVenueError(string(a.Name()),
			apperrors.KindInternal, "get_best_bid_ask", fmt.Sprintf("empty book for %s", symbol), nil)
	}
	bid := a.ParseDecimal(book.Levels[0][0].Px)
	ask := a.ParseDecimal(book.Levels[1][0].Px)
	return bid, ask, nil
}

func (a *Adapter) ListSymbols(ctx context.Context) ([]string, error) {
	if a.assets.age() > a.cfg.AssetCacheTTL {
		if err := a.refreshAssets(ctx); err != nil && a.assets.size() == 0 {
			return nil, err
		}
	}
	return a.assets.tradableNames(), nil
}

// GetFundingData reports the current hourly funding for one asset. The
// venue publishes the upcoming hour's rate, so current and predicted
// coincide. Open interest comes back in base units and is converted to
// notional for cross-venue comparability.
func (a *Adapter) GetFundingData(ctx context.Context, symbol, rawID string) (*core.FundingRate, error) {
	coin := rawID
	if coin == "" {
		coin = symbol
	}
	entry, err := a.asset(ctx, coin)
	if err != nil {
		return nil, err
	}
	rate := a.ParseDecimal(entry.ctx.Funding)
	mark := a.ParseDecimal(entry.ctx.MarkPx)
	return &core.FundingRate{
		Venue:              a.Name(),
		Symbol:             symbol,
		CurrentRate:        rate,
		PredictedRate:      rate,
		MarkPrice:          mark,
		OpenInterest:       a.ParseDecimal(entry.ctx.OpenInterest).Mul(mark),
		Volume24h:          a.ParseDecimal(entry.ctx.DayNtlVlm),
		FundingPeriodHours: 1,
		ObservedAt:         time.Now(),
	}, nil
}

func (a *Adapter) GetFundingPayments(ctx context.Context, start, end time.Time) ([]core.FundingPayment, error) {
	user, err := a.requireUser("get_funding_payments")
	if err != nil {
		return nil, err
	}
	req := infoRequest{
		Type:      "userFunding",
		User:      user,
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}
	var events []fundingEvent
	if err := a.infoCall(ctx, "get_funding_payments", req, &events); err != nil {
		return nil, err
	}
	payments := make([]core.FundingPayment, 0, len(events))
	for _, ev := range events {
		if ev.Delta.Type != "funding" {
			continue
		}
		payments = append(payments, core.FundingPayment{
			Venue:        a.Name(),
			Symbol:       strings.ToUpper(ev.Delta.Coin),
			Amount:       a.ParseDecimal(ev.Delta.Usdc),
			Rate:         a.ParseDecimal(ev.Delta.FundingRate),
			PositionSize: a.ParseDecimal(ev.Delta.Szi),
			PaidAt:       a.ParseTimestamp(ev.Time),
		})
	}
	return payments, nil
}

// Close stops the event stream if one is running.
func (a *Adapter) Close() error {
	a.streamMu.Lock()
	stream := a.stream
	a.stream = nil
	a.streamMu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	return nil
}
