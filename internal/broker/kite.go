package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "spreadtrader/internal/errors"
	"spreadtrader/internal/models"
	"spreadtrader/pkg/utils"
)

// KiteBroker implements the Broker interface against Zerodha Kite Connect.
// Kite has no native multi-leg orders, so a spread order is placed as two
// tagged leg orders and addressed by a composite "shortID/longID" id; order
// state is the merge of both legs.
type KiteBroker struct {
	client      *kiteconnect.Client
	exchange    string
	apiKey      string
	accessToken string

	instruments map[string]instrumentMeta // tradingsymbol -> contract identity
	instMu      sync.RWMutex
	instLoaded  time.Time
}

type instrumentMeta struct {
	Underlying string
	Expiration time.Time
	OptionType models.OptionType
	Strike     float64
}

// KiteConfig holds configuration for the Kite broker.
type KiteConfig struct {
	APIKey      string
	AccessToken string
	Exchange    string // usually NFO
}

// NewKiteBroker creates a Kite Connect backed broker.
func NewKiteBroker(cfg KiteConfig) *KiteBroker {
	client := kiteconnect.New(cfg.APIKey)
	if cfg.AccessToken != "" {
		client.SetAccessToken(cfg.AccessToken)
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "NFO"
	}
	return &KiteBroker{
		client:      client,
		exchange:    exchange,
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		instruments: make(map[string]instrumentMeta),
	}
}

// loadInstruments refreshes the tradingsymbol lookup table. The dump is
// large, so it is cached for the trading day.
func (k *KiteBroker) loadInstruments(ctx context.Context) error {
	k.instMu.RLock()
	fresh := time.Since(k.instLoaded) < 12*time.Hour && len(k.instruments) > 0
	k.instMu.RUnlock()
	if fresh {
		return nil
	}

	instruments, err := k.client.GetInstrumentsByExchange(k.exchange)
	if err != nil {
		return apperrors.NewBrokerError("instruments", "fetching instrument dump", err)
	}

	table := make(map[string]instrumentMeta, len(instruments))
	for _, inst := range instruments {
		var ot models.OptionType
		switch inst.InstrumentType {
		case "CE":
			ot = models.OptionCall
		case "PE":
			ot = models.OptionPut
		default:
			continue
		}
		table[inst.Tradingsymbol] = instrumentMeta{
			Underlying: inst.Name,
			Expiration: inst.Expiry.Time,
			OptionType: ot,
			Strike:     inst.StrikePrice,
		}
	}

	k.instMu.Lock()
	k.instruments = table
	k.instLoaded = time.Now()
	k.instMu.Unlock()
	return nil
}

func (k *KiteBroker) lookupInstrument(symbol string) (instrumentMeta, bool) {
	k.instMu.RLock()
	defer k.instMu.RUnlock()
	meta, ok := k.instruments[symbol]
	return meta, ok
}

// tradingSymbol finds the Kite tradingsymbol for a contract identity.
func (k *KiteBroker) tradingSymbol(underlying string, expiration time.Time, ot models.OptionType, strike float64) (string, error) {
	k.instMu.RLock()
	defer k.instMu.RUnlock()
	for sym, meta := range k.instruments {
		if meta.Underlying == underlying && meta.OptionType == ot &&
			meta.Strike == strike && sameDay(meta.Expiration, expiration) {
			return sym, nil
		}
	}
	return "", fmt.Errorf("no %s instrument for %s %s %g %s",
		k.exchange, underlying, expiration.Format("2006-01-02"), strike, ot)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// GetUnderlyingQuote fetches the spot quote for the underlying index/stock.
func (k *KiteBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	key := "NSE:" + symbol
	quotes, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (kiteconnect.Quote, error) {
		return k.client.GetQuote(key)
	})
	if err != nil {
		return nil, apperrors.NewBrokerError("quote", symbol, err)
	}
	q, ok := quotes[key]
	if !ok {
		return nil, apperrors.ErrQuoteUnavailable
	}

	out := &models.Quote{
		Symbol:    symbol,
		Last:      q.LastPrice,
		PrevClose: q.OHLC.Close,
		Volume:    int64(q.Volume),
		Timestamp: time.Now(),
	}
	if len(q.Depth.Buy) > 0 {
		out.Bid = q.Depth.Buy[0].Price
	}
	if len(q.Depth.Sell) > 0 {
		out.Ask = q.Depth.Sell[0].Price
	}
	return out, nil
}

// GetOptionChain fetches quotes for every contract of one (underlying,
// expiration) pair.
func (k *KiteBroker) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*models.OptionChain, error) {
	if err := k.loadInstruments(ctx); err != nil {
		return nil, err
	}

	k.instMu.RLock()
	var symbols []string
	for sym, meta := range k.instruments {
		if meta.Underlying == symbol && sameDay(meta.Expiration, expiration) {
			symbols = append(symbols, k.exchange+":"+sym)
		}
	}
	k.instMu.RUnlock()

	if len(symbols) == 0 {
		return nil, fmt.Errorf("no contracts for %s expiring %s", symbol, expiration.Format("2006-01-02"))
	}

	spot, err := k.GetUnderlyingQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	chain := &models.OptionChain{Symbol: symbol, Expiration: expiration, SpotPrice: spot.Last}

	// Kite caps instruments per quote call; batch conservatively.
	const batch = 250
	for i := 0; i < len(symbols); i += batch {
		end := i + batch
		if end > len(symbols) {
			end = len(symbols)
		}
		quotes, err := k.client.GetQuote(symbols[i:end]...)
		if err != nil {
			return nil, apperrors.NewBrokerError("option_chain", symbol, err)
		}
		for key, q := range quotes {
			sym := strings.TrimPrefix(key, k.exchange+":")
			meta, ok := k.lookupInstrument(sym)
			if !ok {
				continue
			}
			oq := models.OptionQuote{
				Symbol:     sym,
				Underlying: symbol,
				Expiration: meta.Expiration,
				OptionType: meta.OptionType,
				Strike:     meta.Strike,
				Last:       q.LastPrice,
				Volume:     int64(q.Volume),
				OpenInt:    int64(q.OI),
				Timestamp:  time.Now(),
			}
			if len(q.Depth.Buy) > 0 {
				oq.Bid = q.Depth.Buy[0].Price
			}
			if len(q.Depth.Sell) > 0 {
				oq.Ask = q.Depth.Sell[0].Price
			}
			chain.Options = append(chain.Options, oq)
		}
	}
	return chain, nil
}

// GetPositions maps net option positions into portfolio mirror rows.
func (k *KiteBroker) GetPositions(ctx context.Context) ([]models.PortfolioPosition, error) {
	if err := k.loadInstruments(ctx); err != nil {
		return nil, err
	}

	positions, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), k.client.GetPositions)
	if err != nil {
		return nil, apperrors.NewBrokerError("positions", "fetching positions", err)
	}

	now := time.Now()
	out := make([]models.PortfolioPosition, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		meta, ok := k.lookupInstrument(p.Tradingsymbol)
		if !ok {
			// Non-option position (futures, equity); not part of the mirror.
			continue
		}
		side := models.PositionLong
		if p.Quantity < 0 {
			side = models.PositionShort
		}
		out = append(out, models.PortfolioPosition{
			Symbol:     p.Tradingsymbol,
			Underlying: meta.Underlying,
			Expiration: meta.Expiration,
			OptionType: meta.OptionType,
			Strike:     meta.Strike,
			Side:       side,
			Quantity:   int(p.Quantity),
			AvgPrice:   p.AveragePrice,
			Last:       p.LastPrice,
			UpdatedAt:  now,
		})
	}
	return out, nil
}

// GetBalances fetches the equity segment margins.
func (k *KiteBroker) GetBalances(ctx context.Context) (*models.Balances, error) {
	margins, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), k.client.GetUserMargins)
	if err != nil {
		return nil, apperrors.NewBrokerError("balances", "fetching margins", err)
	}
	return &models.Balances{
		TotalEquity:       margins.Equity.Net,
		Cash:              margins.Equity.Available.Cash,
		OptionBuyingPower: margins.Equity.Available.LiveBalance,
		Timestamp:         time.Now(),
	}, nil
}

// GetGainLoss is not exposed by the Kite Connect API; callers fall back to
// locally recorded realized PnL.
func (k *KiteBroker) GetGainLoss(ctx context.Context, from, to time.Time) ([]models.GainLoss, error) {
	return nil, apperrors.NewBrokerError("gainloss", "not available from Kite Connect", nil)
}

// PlaceSpreadOrder places the two legs sequentially. The short (sell) leg
// goes first on entry so the position is never net long-premium
// unintentionally; if the second leg is rejected the first is cancelled
// before returning.
func (k *KiteBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderResult, error) {
	if err := k.loadInstruments(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, 0, 2)
	for _, leg := range req.Legs {
		sym, err := k.tradingSymbol(leg.Underlying, leg.Expiration, leg.OptionType, leg.Strike)
		if err != nil {
			k.cancelAll(ids)
			return nil, apperrors.NewBrokerError("place_spread", "resolving leg symbol", err)
		}
		params := kiteconnect.OrderParams{
			Exchange:        k.exchange,
			Tradingsymbol:   sym,
			TransactionType: string(leg.Side),
			OrderType:       "LIMIT",
			Product:         "NRML",
			Quantity:        leg.Quantity,
			Price:           roundTick(leg.Limit),
			Validity:        "DAY",
			Tag:             req.Tag,
		}
		resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
		if err != nil {
			k.cancelAll(ids)
			return nil, apperrors.NewBrokerError("place_spread", "placing leg "+sym, err)
		}
		ids = append(ids, resp.OrderID)
	}

	return &OrderResult{
		BrokerOrderID: strings.Join(ids, "/"),
		Status:        models.OrderPlaced,
		Message:       "spread legs placed",
	}, nil
}

func roundTick(p float64) float64 {
	const tick = 0.05
	if p < tick {
		return tick
	}
	steps := float64(int(p/tick + 0.5))
	return steps * tick
}

func (k *KiteBroker) cancelAll(ids []string) {
	for _, id := range ids {
		_, _ = k.client.CancelOrder(kiteconnect.VarietyRegular, id, nil)
	}
}

// GetOrder merges both leg orders of a composite spread id into one state.
func (k *KiteBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	legIDs := strings.Split(brokerOrderID, "/")
	orders, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), k.client.GetOrders)
	if err != nil {
		return nil, apperrors.NewBrokerError("get_order", brokerOrderID, err)
	}

	byID := make(map[string]kiteconnect.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	state := &OrderState{BrokerOrderID: brokerOrderID, Status: models.OrderFilled, UpdatedAt: time.Now()}
	var netSell, netBuy float64
	minFilled := -1
	maxRemaining := 0

	for _, id := range legIDs {
		o, ok := byID[id]
		if !ok {
			return nil, apperrors.ErrOrderNotFound
		}
		legStatus := mapKiteStatus(o.Status)
		state.Status = mergeLegStatus(state.Status, legStatus)
		state.Tag = o.Tag

		if o.TransactionType == "SELL" {
			netSell += o.AveragePrice
		} else {
			netBuy += o.AveragePrice
		}
		filled := int(o.FilledQuantity)
		if minFilled < 0 || filled < minFilled {
			minFilled = filled
		}
		if rem := int(o.PendingQuantity); rem > maxRemaining {
			maxRemaining = rem
		}
	}

	if minFilled > 0 {
		net := netSell - netBuy
		if net < 0 {
			net = -net
		}
		state.AvgFillPrice = net
	}
	if minFilled >= 0 {
		state.FilledQty = minFilled
	}
	state.RemainingQty = maxRemaining
	return state, nil
}

// mergeLegStatus combines per-leg statuses pessimistically: any rejection or
// cancellation dominates, then partial progress, then fully filled.
func mergeLegStatus(a, b models.OrderStatus) models.OrderStatus {
	rank := func(s models.OrderStatus) int {
		switch s {
		case models.OrderRejected:
			return 5
		case models.OrderCancelled:
			return 4
		case models.OrderPartial:
			return 3
		case models.OrderPlaced:
			return 2
		case models.OrderPending:
			return 1
		default: // FILLED
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func mapKiteStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return models.OrderFilled
	case "REJECTED":
		return models.OrderRejected
	case "CANCELLED", "EXPIRED":
		return models.OrderCancelled
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		return models.OrderPlaced
	default:
		return models.OrderPending
	}
}

// GetOpenOrders returns non-terminal orders, one state per leg order. The
// engine matches them back to local composite ids via tags.
func (k *KiteBroker) GetOpenOrders(ctx context.Context) ([]OrderState, error) {
	orders, err := k.client.GetOrders()
	if err != nil {
		return nil, apperrors.NewBrokerError("open_orders", "fetching orders", err)
	}
	var out []OrderState
	for _, o := range orders {
		status := mapKiteStatus(o.Status)
		if status.Terminal() {
			continue
		}
		out = append(out, OrderState{
			BrokerOrderID: o.OrderID,
			Status:        status,
			AvgFillPrice:  o.AveragePrice,
			FilledQty:     int(o.FilledQuantity),
			RemainingQty:  int(o.PendingQuantity),
			Tag:           o.Tag,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// CancelOrder cancels every leg of a composite spread order.
func (k *KiteBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	var firstErr error
	for _, id := range strings.Split(brokerOrderID, "/") {
		if _, err := k.client.CancelOrder(kiteconnect.VarietyRegular, id, nil); err != nil && firstErr == nil {
			firstErr = apperrors.NewBrokerError("cancel", id, err)
		}
	}
	return firstErr
}
