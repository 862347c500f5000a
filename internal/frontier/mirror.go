package frontier

import (
	"sync/atomic"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// mirror is an advisory copy of the store's per-status counts. It drifts
// between resyncs and is never used for correctness decisions.
type mirror struct {
	remaining  atomic.Int64
	inProgress atomic.Int64
	visited    atomic.Int64
}

func (m *mirror) set(c crawler.FrontierCounts) {
	m.remaining.Store(c.Remaining)
	m.inProgress.Store(c.InProgress)
	m.visited.Store(c.Visited)
}

func (m *mirror) snapshot() crawler.FrontierCounts {
	return crawler.FrontierCounts{
		Remaining:  max(m.remaining.Load(), 0),
		InProgress: max(m.inProgress.Load(), 0),
		Visited:    max(m.visited.Load(), 0),
	}
}

func (m *mirror) claimed(from crawler.URLStatus) {
	switch from {
	case crawler.StatusRemaining:
		m.remaining.Add(-1)
	case crawler.StatusVisited:
		m.visited.Add(-1)
	}
	m.inProgress.Add(1)
}

func (m *mirror) finished() {
	m.inProgress.Add(-1)
	m.visited.Add(1)
}
