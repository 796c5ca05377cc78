package credits

import (
	"time"

	"github.com/shopspring/decimal"
)

// TierAllotment holds the monthly credits of one plan, per API key preference.
type TierAllotment struct {
	Platform int64
	BYOK     int64
}

// creditTiers is the plan × preference matrix. Adding a plan means adding a
// PlanType constant and a row here.
var creditTiers = map[PlanType]TierAllotment{
	PlanFree:       {Platform: 15, BYOK: 50},
	PlanPro:        {Platform: 100, BYOK: 180},
	PlanEnterprise: {Platform: 500, BYOK: 1000},
}

// Tier returns the allotment row for a plan.
func Tier(plan PlanType) (TierAllotment, error) {
	allotment, ok := creditTiers[plan]
	if !ok {
		return TierAllotment{}, ErrInvalidPlanType
	}
	return allotment, nil
}

// For picks the column matching a preference. Unset preference earns nothing.
func (allotment TierAllotment) For(preference APIKeyPreference) int64 {
	switch preference {
	case PreferencePlatform:
		return allotment.Platform
	case PreferenceBYOK:
		return allotment.BYOK
	default:
		return 0
	}
}

// MonthlyAllotment returns the credits granted each month for a tier.
func MonthlyAllotment(plan PlanType, preference APIKeyPreference) (decimal.Decimal, error) {
	allotment, err := Tier(plan)
	if err != nil {
		return decimal.Zero, WrapError("tier", "plan", "unknown", err)
	}
	return decimal.NewFromInt(allotment.For(preference)), nil
}

// MonthStartUTC returns midnight UTC on the first day of the month containing at.
func MonthStartUTC(at time.Time) time.Time {
	utc := at.UTC()
	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NeedsMonthlyReset reports whether a watermark predates the month containing now.
func NeedsMonthlyReset(lastReset *time.Time, now time.Time) bool {
	if lastReset == nil {
		return true
	}
	return lastReset.UTC().Before(MonthStartUTC(now))
}
