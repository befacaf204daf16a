package tape

// Skip reasons recorded when the guard rejects an entry signal. Rejects are
// values, not errors: the cycle records the reason and moves on.
const (
	RejectNotApproved      = "not_approved"
	RejectMaxPositions     = "max_positions"
	RejectMaxDailyLoss     = "max_daily_loss"
	RejectCapitalExhausted = "capital_exhausted"
)

// EntryDecision is the guard's verdict on one proposed entry.
type EntryDecision struct {
	Accept bool
	// Size is the position size to submit, valid only when Accept is true.
	Size float64
	// Reason names the failed invariant when Accept is false.
	Reason string
}

// EvaluateEntry gates one entry signal against the strategy's capital
// invariants. Pure function of its inputs; callers hold whatever locks the
// stats need. Checks, in order: live trading requires approval; the open
// position count must be under max_positions; the daily loss kill-switch
// must not have tripped; and the sized trade must fit in the remaining
// capital. Accepting preserves deployed ≤ total and positions ≤ max.
func EvaluateEntry(c Capital, s StrategyStats, mode Mode, approved bool, sig EntrySignal) EntryDecision {
	if mode == ModeLive && !approved {
		return EntryDecision{Reason: RejectNotApproved}
	}
	if s.CurrentPositions >= c.MaxPositions {
		return EntryDecision{Reason: RejectMaxPositions}
	}
	if c.MaxDailyLoss > 0 && s.DailyLoss >= c.MaxDailyLoss {
		return EntryDecision{Reason: RejectMaxDailyLoss}
	}

	size := positionSize(c, sig)
	if remaining := c.Total - s.DeployedCapital; size > remaining {
		size = remaining
	}
	if size <= 0 {
		return EntryDecision{Reason: RejectCapitalExhausted}
	}
	return EntryDecision{Accept: true, Size: size}
}

// positionSize derives the raw trade size from the sizing method, before
// clamping to remaining capital.
func positionSize(c Capital, sig EntrySignal) float64 {
	switch c.SizingMethod {
	case SizingPercent:
		return c.PerTrade / 100 * c.Total
	case SizingKelly:
		conf := sig.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		return c.PerTrade * conf
	default: // SizingFixed
		return c.PerTrade
	}
}
