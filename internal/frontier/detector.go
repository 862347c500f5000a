package frontier

import (
	"time"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// Observe folds one HTTP status into a URL's detector record and reports
// whether the page should be treated as deleted. A page counts as deleted
// only after it has succeeded at least once and then either returns 404/410
// or fails twice in a row. The deleted signal is never persisted.
func Observe(prev crawler.StatusInfo, code int, now time.Time) (crawler.StatusInfo, bool) {
	next := prev
	next.LastHTTPStatus = code

	if prev.Health == crawler.HealthUnknown {
		next.ConsecutiveErrors = 0
		if code < 400 {
			at := now
			next.LastSuccessAt = &at
			next.Health = crawler.HealthHealthy
		} else {
			next.Health = crawler.HealthErroring
		}
		return next, false
	}

	if code < 400 {
		at := now
		next.LastSuccessAt = &at
		next.ConsecutiveErrors = 0
		next.Health = crawler.HealthHealthy
		return next, false
	}

	next.ConsecutiveErrors = prev.ConsecutiveErrors + 1
	next.Health = crawler.HealthErroring
	if prev.LastSuccessAt == nil {
		return next, false
	}
	gone := code == 404 || code == 410
	return next, gone || next.ConsecutiveErrors >= 2
}
