package risk

import (
	"fmt"
	"math"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	applogger "TradeCore/pkg/logger"
)

// SizingMethod selects how CalculatePositionSize turns confidence into notional.
type SizingMethod string

const (
	SizingFixedPct SizingMethod = "fixed_pct"
	SizingKelly    SizingMethod = "kelly"
)

// Limits are the hard constraints applied to every trade.
type Limits struct {
	MaxLeverage       float64
	MaxOpenPositions  int
	MaxDailyLossPct   float64
	MaxCorrelation    float64
	MaxPositionPct    float64
	KellyWinRate      float64
	KellyWinLossRatio float64
}

// CorrelationSource supplies return correlation between two instruments.
// ok is false when there is not enough history to say.
type CorrelationSource interface {
	Correlation(a, b string) (corr float64, ok bool)
}

// Decision is the detailed outcome of a validation.
type Decision struct {
	OK     bool
	Reason string
	// Unenforced lists checks that could not be evaluated and were skipped.
	Unenforced []string
}

// Validator runs stateless constraint checks against a portfolio snapshot.
type Validator struct {
	limits  Limits
	corr    CorrelationSource
	now     func() time.Time
	log     *applogger.Logger
	metrics repository.Metrics
}

func NewValidator(limits Limits, corr CorrelationSource, l *applogger.Logger, m repository.Metrics) *Validator {
	return &Validator{limits: limits, corr: corr, now: time.Now, log: l.Named("risk"), metrics: m}
}

// ValidateTrade reports whether the trade passes every check and, if not,
// the reason of the first failing one.
func (v *Validator) ValidateTrade(instrument string, direction models.Direction, size, entryPrice float64, p *models.Portfolio) (bool, string) {
	d := v.Evaluate(instrument, direction, size, entryPrice, p)
	return d.OK, d.Reason
}

// Evaluate runs the checks in order: balance, leverage, open positions,
// daily loss, correlation. The first failure wins.
func (v *Validator) Evaluate(instrument string, direction models.Direction, size, entryPrice float64, p *models.Portfolio) Decision {
	if p == nil {
		return Decision{Reason: "no portfolio state"}
	}
	if !direction.Tradable() {
		return Decision{Reason: fmt.Sprintf("direction %s is not tradable", direction)}
	}
	if size <= 0 || entryPrice <= 0 {
		return Decision{Reason: fmt.Sprintf("invalid size %.8f or entry price %.8f", size, entryPrice)}
	}

	cost := size * entryPrice
	if p.Balance < cost {
		return Decision{Reason: fmt.Sprintf("insufficient balance: %.2f < cost %.2f", p.Balance, cost)}
	}

	leverage := p.ProjectedExposure(instrument, direction, size, entryPrice) / p.Balance
	if leverage > v.limits.MaxLeverage {
		return Decision{Reason: fmt.Sprintf("leverage %.2fx would exceed max %.2fx", leverage, v.limits.MaxLeverage)}
	}

	if _, topUp := p.Position(instrument); !topUp && p.OpenPositions() >= v.limits.MaxOpenPositions {
		return Decision{Reason: fmt.Sprintf("max open positions reached: %d", v.limits.MaxOpenPositions)}
	}

	maxLoss := v.limits.MaxDailyLossPct * p.InitialBalance
	if loss := -p.DailyPnLOn(v.now()); loss > maxLoss {
		return Decision{Reason: fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, maxLoss)}
	}

	return v.checkCorrelation(instrument, direction, p)
}

// checkCorrelation compares directional correlation with each other open
// position: same-direction exposure in correlated instruments concentrates risk.
func (v *Validator) checkCorrelation(instrument string, direction models.Direction, p *models.Portfolio) Decision {
	d := Decision{OK: true}
	for _, pos := range p.Positions {
		if pos.Instrument == instrument {
			continue
		}
		if v.corr == nil {
			d.Unenforced = append(d.Unenforced, pos.Instrument)
			continue
		}
		c, ok := v.corr.Correlation(instrument, pos.Instrument)
		if !ok {
			d.Unenforced = append(d.Unenforced, pos.Instrument)
			continue
		}
		effective := c * direction.Sign() * pos.Direction.Sign()
		if effective > v.limits.MaxCorrelation {
			return Decision{Reason: fmt.Sprintf("correlation %.2f with %s exceeds max %.2f", effective, pos.Instrument, v.limits.MaxCorrelation)}
		}
	}
	if len(d.Unenforced) > 0 {
		v.metrics.RecordError("risk_correlation_unenforced")
		v.log.Warn("correlation check unenforced: insufficient history",
			applogger.String("instrument", instrument),
			applogger.Strings("against", d.Unenforced),
		)
	}
	return d
}

// CalculatePositionSize returns the notional to trade, capped at
// MaxPositionPct of the balance.
func (v *Validator) CalculatePositionSize(p *models.Portfolio, confidence float64, method SizingMethod) float64 {
	if p == nil || p.Balance <= 0 {
		return 0
	}
	confidence = math.Max(0, math.Min(1, confidence))

	var pct float64
	switch method {
	case SizingKelly:
		w, r := v.limits.KellyWinRate, v.limits.KellyWinLossRatio
		if r > 0 {
			pct = math.Max(0, (w-(1-w)/r)/2)
		}
	case SizingFixedPct:
		pct = 0.01 + confidence*0.02
	default:
		v.log.Warn("unknown sizing method, using fixed_pct", applogger.String("method", string(method)))
		pct = 0.01 + confidence*0.02
	}
	return math.Min(pct, v.limits.MaxPositionPct) * p.Balance
}
