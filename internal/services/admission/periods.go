package admission

import (
	"fmt"
	"time"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// PeriodBucket labels the budget window containing now: the calendar day,
// the ISO week ("2026-W34"), or the calendar month. Spend keys embed the
// label so a new window starts at a fresh zero.
func PeriodBucket(period models.BudgetPeriod, now time.Time) string {
	now = now.UTC()
	switch period {
	case models.BudgetPeriodDaily:
		return now.Format("2006-01-02")
	case models.BudgetPeriodWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default:
		return now.Format("2006-01")
	}
}

// PeriodTTL is the full length of the period containing now. Keys created
// late in a window still expire one full period after first spend rather
// than at the window edge; a stale tail is cheaper than early resets.
func PeriodTTL(period models.BudgetPeriod, now time.Time) time.Duration {
	switch period {
	case models.BudgetPeriodDaily:
		return 24 * time.Hour
	case models.BudgetPeriodWeekly:
		return 7 * 24 * time.Hour
	default:
		return time.Duration(daysInMonth(now.UTC())) * 24 * time.Hour
	}
}

// DaysRemainingInPeriod counts whole days left after today: the request day
// itself is never counted, so a daily budget always reports zero.
func DaysRemainingInPeriod(period models.BudgetPeriod, now time.Time) int {
	now = now.UTC()
	switch period {
	case models.BudgetPeriodDaily:
		return 0
	case models.BudgetPeriodWeekly:
		return 7 - isoWeekday(now)
	default:
		return daysInMonth(now) - now.Day()
	}
}

// isoWeekday maps Monday..Sunday to 1..7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
