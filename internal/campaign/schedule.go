package campaign

import (
	"time"

	"github.com/msageha/croc_campaign/internal/model"
)

// MainInterval returns the wait before the next main batch after reps
// completed repetitions.
func MainInterval(steps []model.IntervalStep, reps int) time.Duration {
	var hours float64
	for _, s := range steps {
		hours = s.IntervalHours
		if s.UntilRepetition == 0 || reps < s.UntilRepetition {
			break
		}
	}
	return time.Duration(hours * float64(time.Hour))
}

// MainDue reports whether the main batch should run now. A campaign that
// has never run it is always due.
func MainDue(st model.CampaignState, steps []model.IntervalStep, now time.Time) bool {
	if st.LastMainAt == nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, *st.LastMainAt)
	if err != nil {
		return true
	}
	return now.Sub(last) > MainInterval(steps, st.MainRepetitions)
}
