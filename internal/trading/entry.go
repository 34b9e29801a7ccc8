package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/metrics"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
	"spreadtrader/pkg/utils"
)

// EntryConfig holds the static entry parameters from the app config.
type EntryConfig struct {
	SpreadWidth  float64
	PollInterval time.Duration
	FillTimeout  time.Duration
}

// EntryExecutor consumes the latest eligible proposal, re-validates it
// against live quotes, gates it through risk, places the two-leg order and
// drives the trade to OPEN or CANCELLED. Exactly one trade row is created
// per attempt that reaches order placement.
type EntryExecutor struct {
	store  store.DataStore
	broker broker.Broker
	gate   *RiskGate
	recon  *ReconciliationEngine
	cfg    EntryConfig
	logger zerolog.Logger
}

// EntryResult is the structured outcome of one entry attempt.
type EntryResult struct {
	Trade  *models.Trade
	Opened bool
	Reason string
}

// NewEntryExecutor creates an entry executor.
func NewEntryExecutor(ds store.DataStore, b broker.Broker, gate *RiskGate, recon *ReconciliationEngine, cfg EntryConfig, logger zerolog.Logger) *EntryExecutor {
	return &EntryExecutor{
		store:  ds,
		broker: b,
		gate:   gate,
		recon:  recon,
		cfg:    cfg,
		logger: logging.WithCycle(logger, "entry"),
	}
}

// ExecuteEntry runs one entry attempt against the newest READY proposal.
// A nil Trade with Opened=false means no order was placed this cycle; the
// Reason says why.
func (e *EntryExecutor) ExecuteEntry(ctx context.Context, now time.Time) (*EntryResult, error) {
	proposal, err := e.store.GetLatestReadyProposal(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading proposal: %w", err)
	}
	if proposal == nil {
		return &EntryResult{Reason: "no READY proposal"}, nil
	}

	limits := LoadLimits(ctx, e.store.Settings())
	logger := logging.WithSymbol(e.logger, proposal.Symbol)

	// Stale proposals are expired, not traded. The proposal generator runs
	// on its own cadence and its pricing assumptions rot quickly.
	if proposal.Age(now) > limits.ProposalMaxAge {
		if err := e.store.UpdateProposalStatus(ctx, proposal.ID, models.ProposalExpired); err != nil {
			return nil, err
		}
		logger.Info().Str("proposal_id", proposal.ID).Msg("proposal expired before execution")
		return &EntryResult{Reason: "proposal too old"}, nil
	}

	// Re-derive the width from the strikes; a mismatch against the deployed
	// fixed width means the proposal is structurally wrong for this system.
	width := proposal.Strategy.Width(proposal.ShortStrike, proposal.LongStrike)
	if !proposal.Strategy.Valid() || !proposal.Strategy.ValidStrikes(proposal.ShortStrike, proposal.LongStrike) ||
		math.Abs(width-e.cfg.SpreadWidth) > 1e-9 {
		if err := e.store.UpdateProposalStatus(ctx, proposal.ID, models.ProposalInvalidated); err != nil {
			return nil, err
		}
		logger.Warn().Str("proposal_id", proposal.ID).Float64("width", width).
			Msg("proposal invalidated: structure does not match deployment")
		return &EntryResult{Reason: "invalid proposal structure"}, nil
	}

	if limits.MaxQuantityPerTrade > 0 && proposal.Quantity > limits.MaxQuantityPerTrade {
		if err := e.store.UpdateProposalStatus(ctx, proposal.ID, models.ProposalInvalidated); err != nil {
			return nil, err
		}
		return &EntryResult{Reason: fmt.Sprintf("quantity %d exceeds per-trade ceiling %d",
			proposal.Quantity, limits.MaxQuantityPerTrade)}, nil
	}

	verdict := e.gate.ValidateProposal(ctx, now, proposal, EstimatedProposalRisk(proposal))
	if !verdict.Allowed {
		return &EntryResult{Reason: fmt.Sprintf("risk denied [%s]: %s", verdict.FailedCheck, verdict.Reason)}, nil
	}

	pricing, reason, err := e.revalidateQuotes(ctx, proposal, &limits)
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		if err := e.store.UpdateProposalStatus(ctx, proposal.ID, models.ProposalInvalidated); err != nil {
			return nil, err
		}
		logger.Info().Str("proposal_id", proposal.ID).Msg("proposal invalidated: " + reason)
		return &EntryResult{Reason: reason}, nil
	}

	return e.placeAndTrack(ctx, proposal, pricing, logger)
}

// entryPricing carries the quote-refresh outcome into order placement.
type entryPricing struct {
	shortQuote *models.OptionQuote
	longQuote  *models.OptionQuote
	netMid     float64
	limit      float64
	entryIV    float64
}

// revalidateQuotes refetches both legs and recomputes price and delta. The
// proposal may be stale, so this re-validation is mandatory: a nil pricing
// with a reason means the market has drifted outside the configured bounds.
func (e *EntryExecutor) revalidateQuotes(ctx context.Context, p *models.Proposal, limits *Limits) (*entryPricing, string, error) {
	chain, err := e.broker.GetOptionChain(ctx, p.Symbol, p.Expiration)
	if err != nil {
		return nil, "", fmt.Errorf("fetching option chain: %w", err)
	}

	shortQ := chain.Find(p.Strategy.OptionType(), p.ShortStrike)
	longQ := chain.Find(p.Strategy.OptionType(), p.LongStrike)
	if shortQ == nil || longQ == nil {
		return nil, "leg quote missing from chain", nil
	}
	if !shortQ.Usable() || !longQ.Usable() {
		return nil, "leg quote unusable (empty or crossed book)", nil
	}

	var netMid float64
	if p.Strategy.IsCredit() {
		netMid = shortQ.Mid() - longQ.Mid()
	} else {
		netMid = longQ.Mid() - shortQ.Mid()
	}
	if netMid <= 0 {
		return nil, fmt.Sprintf("net mid %.2f is not positive", netMid), nil
	}

	if p.Strategy.IsCredit() {
		if limits.CreditMin > 0 && netMid < limits.CreditMin {
			return nil, fmt.Sprintf("credit %.2f drifted below floor %.2f", netMid, limits.CreditMin), nil
		}
		if limits.CreditMax > 0 && netMid > limits.CreditMax {
			return nil, fmt.Sprintf("credit %.2f drifted above ceiling %.2f", netMid, limits.CreditMax), nil
		}
		if limits.ShortDeltaMax > 0 && math.Abs(shortQ.Delta) > limits.ShortDeltaMax {
			return nil, fmt.Sprintf("short leg delta %.3f above bound %.3f", shortQ.Delta, limits.ShortDeltaMax), nil
		}
	} else {
		if limits.DebitMin > 0 && netMid < limits.DebitMin {
			return nil, fmt.Sprintf("debit %.2f drifted below floor %.2f", netMid, limits.DebitMin), nil
		}
		if limits.DebitMax > 0 && netMid > limits.DebitMax {
			return nil, fmt.Sprintf("debit %.2f drifted above ceiling %.2f", netMid, limits.DebitMax), nil
		}
		if limits.LongDeltaMin > 0 && math.Abs(longQ.Delta) < limits.LongDeltaMin {
			return nil, fmt.Sprintf("long leg delta %.3f below bound %.3f", longQ.Delta, limits.LongDeltaMin), nil
		}
	}

	// Credit spreads give up slippage off the mid; debit spreads pay it.
	limit := netMid - limits.Slippage
	if !p.Strategy.IsCredit() {
		limit = netMid + limits.Slippage
	}
	if limits.PriceBandMin > 0 && limit < limits.PriceBandMin {
		limit = limits.PriceBandMin
	}
	if limits.PriceBandMax > 0 && limit > limits.PriceBandMax {
		limit = limits.PriceBandMax
	}

	return &entryPricing{
		shortQuote: shortQ,
		longQuote:  longQ,
		netMid:     netMid,
		limit:      limit,
		entryIV:    shortQ.IV,
	}, "", nil
}

// placeAndTrack places the spread order, persists the order and trade rows,
// and polls the fill to a bounded deadline. Every path out of here leaves
// the trade in an explicit state.
func (e *EntryExecutor) placeAndTrack(ctx context.Context, p *models.Proposal, pricing *entryPricing, logger zerolog.Logger) (*EntryResult, error) {
	now := time.Now().UTC()
	clientOrderID := uuid.New().String()
	tradeID := uuid.New().String()

	shortSide, longSide := p.Strategy.EntryLegSides()
	shortLimit, longLimit := legLimits(p.Strategy, pricing)

	req := broker.SpreadOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        p.Symbol,
		Side:          models.OrderEntry,
		Strategy:      p.Strategy,
		LimitPrice:    pricing.limit,
		Quantity:      p.Quantity,
		Tag:           "st-" + clientOrderID[:8],
		Legs: [2]models.OrderLeg{
			{
				Symbol:     pricing.shortQuote.Symbol,
				Underlying: p.Symbol,
				Expiration: p.Expiration,
				OptionType: p.Strategy.OptionType(),
				Strike:     p.ShortStrike,
				Side:       shortSide,
				Quantity:   p.Quantity,
				Limit:      shortLimit,
			},
			{
				Symbol:     pricing.longQuote.Symbol,
				Underlying: p.Symbol,
				Expiration: p.Expiration,
				OptionType: p.Strategy.OptionType(),
				Strike:     p.LongStrike,
				Side:       longSide,
				Quantity:   p.Quantity,
				Limit:      longLimit,
			},
		},
	}

	order := &models.Order{
		ClientOrderID: clientOrderID,
		ProposalID:    p.ID,
		TradeID:       tradeID,
		Symbol:        p.Symbol,
		Side:          models.OrderEntry,
		Strategy:      p.Strategy,
		Legs:          req.Legs,
		LimitPrice:    pricing.limit,
		Quantity:      p.Quantity,
		Status:        models.OrderPending,
		RemainingQty:  p.Quantity,
		Tag:           req.Tag,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		// A duplicate idempotency key means another invocation already owns
		// this attempt; back off without touching the broker.
		return nil, fmt.Errorf("persisting entry order: %w", err)
	}

	// The proposal is consumed the moment we commit to an order for it,
	// regardless of how the order resolves.
	if err := e.store.UpdateProposalStatus(ctx, p.ID, models.ProposalConsumed); err != nil {
		return nil, err
	}

	result, placeErr := e.broker.PlaceSpreadOrder(ctx, req)
	if placeErr != nil || result.Status == models.OrderRejected {
		reason := "broker rejected entry order"
		if placeErr != nil {
			reason = fmt.Sprintf("placing entry order: %v", placeErr)
		}
		order.Status = models.OrderRejected
		order.UpdatedAt = time.Now().UTC()
		if result != nil {
			order.BrokerOrderID = result.BrokerOrderID
		}
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			logger.Error().Err(err).Msg("updating rejected entry order")
		}
		trade := e.cancelledTrade(ctx, tradeID, p, order, models.ExitEntryRejected)
		logger.Warn().Str("client_order_id", clientOrderID).Msg(reason)
		return &EntryResult{Trade: trade, Reason: reason}, nil
	}

	order.BrokerOrderID = result.BrokerOrderID
	order.Status = models.OrderPlaced
	order.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("recording placed entry order: %w", err)
	}
	metrics.EntryOrdersPlaced.Inc()

	trade, err := models.NewTrade(tradeID, p, result.BrokerOrderID)
	if err != nil {
		return nil, err
	}
	trade.EntryIV = pricing.entryIV
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}

	return e.pollEntryFill(ctx, trade, order, logger)
}

// pollEntryFill polls the broker at a fixed interval up to a hard timeout.
// On timeout the order is cancelled at the broker first, then the trade is
// marked CANCELLED; the trade is never left ENTRY_PENDING indefinitely.
func (e *EntryExecutor) pollEntryFill(ctx context.Context, trade *models.Trade, order *models.Order, logger zerolog.Logger) (*EntryResult, error) {
	var last *broker.OrderState
	outcome, pollErr := utils.PollUntil(ctx, e.cfg.PollInterval, e.cfg.FillTimeout, func() (bool, error) {
		state, err := e.broker.GetOrder(ctx, order.BrokerOrderID)
		if err != nil {
			// Transient broker failures are retried within this loop only.
			logger.Debug().Err(err).Msg("entry fill poll failed")
			return false, nil
		}
		last = state
		return state.Status.Terminal(), nil
	})
	if outcome == utils.PollCancelled {
		return nil, pollErr
	}

	now := time.Now().UTC()

	if outcome == utils.PollTimeout || last == nil || last.Status == models.OrderCancelled || last.Status == models.OrderRejected {
		// Broker cancellation always precedes the local state update.
		if outcome == utils.PollTimeout {
			if err := e.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
				logger.Error().Err(err).Msg("cancelling timed-out entry order")
			}
		}
		reason := models.ExitEntryRejected
		orderStatus := models.OrderRejected
		if outcome == utils.PollTimeout {
			reason = models.ExitEntryTimeout
			orderStatus = models.OrderCancelled
		} else if last != nil && last.Status == models.OrderCancelled {
			reason = models.ExitEntryTimeout
			orderStatus = models.OrderCancelled
		}
		order.Status = orderStatus
		order.UpdatedAt = now
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			logger.Error().Err(err).Msg("updating cancelled entry order")
		}
		if err := trade.MarkCancelled(reason, now); err != nil {
			return nil, err
		}
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return nil, err
		}
		metrics.EntryOrdersCancelled.Inc()
		logger.Info().Str("trade_id", trade.ID).Str("reason", string(reason)).
			Msg("entry attempt cancelled")
		return &EntryResult{Trade: trade, Reason: string(reason)}, nil
	}

	if last.AvgFillPrice <= 0 {
		// A terminal fill with no price is broker nonsense; leave the trade
		// ENTRY_PENDING for order-sync to resolve and flag it.
		trade.Flagged = true
		trade.UpdatedAt = now
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return nil, err
		}
		logging.Investigation(logger, trade.ID, "entry order FILLED with non-positive average price")
		return &EntryResult{Trade: trade, Reason: "fill reported without price"}, nil
	}

	order.Status = models.OrderFilled
	order.FillPrice = last.AvgFillPrice
	order.FilledQty = last.FilledQty
	order.RemainingQty = last.RemainingQty
	order.UpdatedAt = now
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := trade.MarkOpen(last.AvgFillPrice, now); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}
	metrics.EntryOrdersFilled.Inc()
	metrics.OpenTrades.Inc()

	// Pull the broker's view immediately so the mirror reflects the new
	// legs before the next decision runs.
	if e.recon != nil {
		if err := e.recon.SyncPositions(ctx); err != nil {
			logger.Warn().Err(err).Msg("post-entry position resync failed")
		}
	}

	logger.Info().Str("trade_id", trade.ID).Float64("fill", last.AvgFillPrice).
		Msg("trade opened")
	return &EntryResult{Trade: trade, Opened: true, Reason: "filled"}, nil
}

// cancelledTrade persists the single CANCELLED trade row for a failed
// placement attempt.
func (e *EntryExecutor) cancelledTrade(ctx context.Context, tradeID string, p *models.Proposal, order *models.Order, reason models.ExitReason) *models.Trade {
	trade, err := models.NewTrade(tradeID, p, order.BrokerOrderID)
	if err != nil {
		e.logger.Error().Err(err).Msg("building cancelled trade row")
		return nil
	}
	now := time.Now().UTC()
	if err := trade.MarkCancelled(reason, now); err != nil {
		e.logger.Error().Err(err).Msg("marking trade cancelled")
		return nil
	}
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error().Err(err).Msg("persisting cancelled trade row")
		return nil
	}
	metrics.EntryOrdersCancelled.Inc()
	return trade
}

// legLimits apportions the spread's net limit across the legs: the far leg
// is anchored at its mid and the near (short for credit, long for debit)
// leg carries the remainder so the pair nets to the spread limit.
func legLimits(s models.Strategy, pricing *entryPricing) (shortLimit, longLimit float64) {
	if s.IsCredit() {
		longLimit = pricing.longQuote.Mid()
		shortLimit = longLimit + pricing.limit
		return shortLimit, longLimit
	}
	shortLimit = pricing.shortQuote.Mid()
	longLimit = shortLimit + pricing.limit
	return shortLimit, longLimit
}
