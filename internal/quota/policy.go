// Package quota meters generations per user and plan tier over calendar
// months in UTC.
package quota

import (
	"time"

	"github.com/HanTheDev/promptgen/internal/models"
)

const periodLayout = "2006-01"

// PeriodKey names the calendar month containing now, in UTC.
func PeriodKey(now time.Time) string {
	return now.UTC().Format(periodLayout)
}

// ResetDate is the first instant of the month after the one containing now.
func ResetDate(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Limits holds monthly generation limits per plan tier. -1 means unlimited.
type Limits struct {
	Free       int64
	Pro        int64
	Enterprise int64
}

func DefaultLimits() Limits {
	return Limits{Free: 50, Pro: 1000, Enterprise: -1}
}

// For returns the limit of plan. Unknown tiers get the free limit.
func (l Limits) For(plan models.PlanTier) int64 {
	switch plan {
	case models.AccessPro:
		return l.Pro
	case models.AccessEnterprise:
		return l.Enterprise
	default:
		return l.Free
	}
}
