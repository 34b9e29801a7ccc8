// Package trading implements the trade lifecycle engine: risk gating, entry
// and exit execution, and broker reconciliation.
package trading

import (
	"context"
	"time"

	"spreadtrader/internal/store"
)

// Limits is the typed snapshot of the dynamic risk settings, populated once
// per cycle. Absent or malformed values fail closed to the defaults below.
// A ceiling of zero (or negative) means unlimited for every check except the
// structural ones (system mode, trading day), which have no ceiling at all.
type Limits struct {
	// Entry gating
	MaxOpenPositions       int
	MaxTradesPerDay        int
	DailyLossLimit         float64 // absolute dollars; positive number
	DailyLossLimitPct      float64 // percent of reference equity
	ReferenceEquity        float64
	MinBuyingPowerRatio    float64 // buying power / open max-loss ratio floor
	MaxLossPerCreditTrade  float64
	MaxLossPerDebitTrade   float64
	MaxDailyNewRisk        float64
	MaxDirectionalExposure float64 // weighted dollars per direction
	MaxDirectionalTrades   int
	MaxDebitTrades         int
	MaxTradesPerUnderlying int
	MaxTradesPerExpiration int
	MaxQuantityPerTrade    int

	// Entry validation
	ProposalMaxAge time.Duration
	CreditMin      float64
	CreditMax      float64
	DebitMin       float64
	DebitMax       float64
	ShortDeltaMax  float64 // abs delta ceiling for the short leg (credit spreads)
	LongDeltaMin   float64 // abs delta floor for the long leg (debit spreads)
	Slippage       float64
	PriceBandMin   float64
	PriceBandMax   float64

	// Exit rules
	ProfitTargetPct     float64 // fraction of max gain
	StopLossPct         float64 // fraction of max loss
	TrailbackPct        float64 // giveback fraction of peak profit
	DTEThreshold        int
	DTECutoffMinutes    int // minutes-to-close at or below which DTE exit fires
	LowValueThreshold   float64
	LiquiditySpreadPct  float64
	UnderlyingMovePct   float64
	IVCrushRatio        float64
	IVCrushMinProfitPct float64
}

// Setting keys for the dynamic limits.
const (
	KeyMaxOpenPositions       = "max_open_positions"
	KeyMaxTradesPerDay        = "max_trades_per_day"
	KeyDailyLossLimit         = "daily_loss_limit"
	KeyDailyLossLimitPct      = "daily_loss_limit_pct"
	KeyReferenceEquity        = "reference_equity"
	KeyMinBuyingPowerRatio    = "min_buying_power_ratio"
	KeyMaxLossPerCreditTrade  = "max_loss_per_credit_trade"
	KeyMaxLossPerDebitTrade   = "max_loss_per_debit_trade"
	KeyMaxDailyNewRisk        = "max_daily_new_risk"
	KeyMaxDirectionalExposure = "max_directional_exposure"
	KeyMaxDirectionalTrades   = "max_directional_trades"
	KeyMaxDebitTrades         = "max_debit_trades"
	KeyMaxTradesPerUnderlying = "max_trades_per_underlying"
	KeyMaxTradesPerExpiration = "max_trades_per_expiration"
	KeyMaxQuantityPerTrade    = "max_quantity_per_trade"
	KeyProposalMaxAgeMinutes  = "proposal_max_age_minutes"
	KeyCreditMin              = "entry_credit_min"
	KeyCreditMax              = "entry_credit_max"
	KeyDebitMin               = "entry_debit_min"
	KeyDebitMax               = "entry_debit_max"
	KeyShortDeltaMax          = "entry_short_delta_max"
	KeyLongDeltaMin           = "entry_long_delta_min"
	KeySlippage               = "entry_slippage"
	KeyPriceBandMin           = "entry_price_band_min"
	KeyPriceBandMax           = "entry_price_band_max"
	KeyProfitTargetPct        = "exit_profit_target_pct"
	KeyStopLossPct            = "exit_stop_loss_pct"
	KeyTrailbackPct           = "exit_trailback_pct"
	KeyDTEThreshold           = "exit_dte_threshold"
	KeyDTECutoffMinutes       = "exit_dte_cutoff_minutes"
	KeyLowValueThreshold      = "exit_low_value_threshold"
	KeyLiquiditySpreadPct     = "exit_liquidity_spread_pct"
	KeyUnderlyingMovePct      = "exit_underlying_move_pct"
	KeyIVCrushRatio           = "exit_iv_crush_ratio"
	KeyIVCrushMinProfitPct    = "exit_iv_crush_min_profit_pct"
)

// LoadLimits reads the dynamic limits from the settings table with explicit
// defaults. Zero defaults leave a check unlimited.
func LoadLimits(ctx context.Context, s *store.SettingsStore) Limits {
	return Limits{
		MaxOpenPositions:       s.GetInt(ctx, KeyMaxOpenPositions, 0),
		MaxTradesPerDay:        s.GetInt(ctx, KeyMaxTradesPerDay, 0),
		DailyLossLimit:         s.GetFloat(ctx, KeyDailyLossLimit, 0),
		DailyLossLimitPct:      s.GetFloat(ctx, KeyDailyLossLimitPct, 0),
		ReferenceEquity:        s.GetFloat(ctx, KeyReferenceEquity, 0),
		MinBuyingPowerRatio:    s.GetFloat(ctx, KeyMinBuyingPowerRatio, 0),
		MaxLossPerCreditTrade:  s.GetFloat(ctx, KeyMaxLossPerCreditTrade, 0),
		MaxLossPerDebitTrade:   s.GetFloat(ctx, KeyMaxLossPerDebitTrade, 0),
		MaxDailyNewRisk:        s.GetFloat(ctx, KeyMaxDailyNewRisk, 0),
		MaxDirectionalExposure: s.GetFloat(ctx, KeyMaxDirectionalExposure, 0),
		MaxDirectionalTrades:   s.GetInt(ctx, KeyMaxDirectionalTrades, 0),
		MaxDebitTrades:         s.GetInt(ctx, KeyMaxDebitTrades, 0),
		MaxTradesPerUnderlying: s.GetInt(ctx, KeyMaxTradesPerUnderlying, 0),
		MaxTradesPerExpiration: s.GetInt(ctx, KeyMaxTradesPerExpiration, 0),
		MaxQuantityPerTrade:    s.GetInt(ctx, KeyMaxQuantityPerTrade, 10),

		ProposalMaxAge: time.Duration(s.GetInt(ctx, KeyProposalMaxAgeMinutes, 15)) * time.Minute,
		CreditMin:      s.GetFloat(ctx, KeyCreditMin, 0),
		CreditMax:      s.GetFloat(ctx, KeyCreditMax, 0),
		DebitMin:       s.GetFloat(ctx, KeyDebitMin, 0),
		DebitMax:       s.GetFloat(ctx, KeyDebitMax, 0),
		ShortDeltaMax:  s.GetFloat(ctx, KeyShortDeltaMax, 0),
		LongDeltaMin:   s.GetFloat(ctx, KeyLongDeltaMin, 0),
		Slippage:       s.GetFloat(ctx, KeySlippage, 0.05),
		PriceBandMin:   s.GetFloat(ctx, KeyPriceBandMin, 0.05),
		PriceBandMax:   s.GetFloat(ctx, KeyPriceBandMax, 0),

		ProfitTargetPct:     s.GetFloat(ctx, KeyProfitTargetPct, 0),
		StopLossPct:         s.GetFloat(ctx, KeyStopLossPct, 0),
		TrailbackPct:        s.GetFloat(ctx, KeyTrailbackPct, 0),
		DTEThreshold:        s.GetInt(ctx, KeyDTEThreshold, 0),
		DTECutoffMinutes:    s.GetInt(ctx, KeyDTECutoffMinutes, 0),
		LowValueThreshold:   s.GetFloat(ctx, KeyLowValueThreshold, 0),
		LiquiditySpreadPct:  s.GetFloat(ctx, KeyLiquiditySpreadPct, 0),
		UnderlyingMovePct:   s.GetFloat(ctx, KeyUnderlyingMovePct, 0),
		IVCrushRatio:        s.GetFloat(ctx, KeyIVCrushRatio, 0),
		IVCrushMinProfitPct: s.GetFloat(ctx, KeyIVCrushMinProfitPct, 0),
	}
}

// DebitRiskWeight is the multiplier applied to debit-spread risk in the
// directional exposure check.
const DebitRiskWeight = 1.5
