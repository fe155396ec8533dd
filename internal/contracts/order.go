package contracts

import (
	"sort"
	"time"

	"pact/internal/domain"
)

const reminderWindow = 24 * time.Hour

func createdKey(c domain.Contract) int64 {
	if !c.CreatedAt.Valid() {
		return 0
	}
	return c.CreatedAt.UnixNano()
}

// SortByCreated orders contracts newest first. Contracts without created_at
// sort last and keep their relative order.
func SortByCreated(cs []domain.Contract) {
	sort.SliceStable(cs, func(i, j int) bool {
		return createdKey(cs[i]) > createdKey(cs[j])
	})
}

// FindReminder returns the first Active contract, in list order, whose
// deadline falls strictly inside (now, now+24h).
func FindReminder(cs []domain.Contract, now time.Time) *domain.Contract {
	until := now.Add(reminderWindow)
	for i := range cs {
		c := cs[i]
		if c.Status != domain.StatusActive || !c.Deadline.Valid() {
			continue
		}
		if c.Deadline.After(now) && c.Deadline.Before(until) {
			return &c
		}
	}
	return nil
}
