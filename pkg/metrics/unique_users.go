package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type uniqueUsers struct {
	counter    prometheus.Gauge
	usersCache map[string]struct{}
	mu         sync.RWMutex
}

// Users
const usersCountPerWeek = "users_count_per_week"

var totalUniqueUsersPerWeekMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: notifier,
		Name:      usersCountPerWeek,
		Help:      "metrics to record the number of distinct identities connected per week",
	},
)

var UniqueUsersPerWeek = &uniqueUsers{
	counter:    totalUniqueUsersPerWeekMetric,
	usersCache: make(map[string]struct{}),
}

func (v *uniqueUsers) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.usersCache = make(map[string]struct{})
	v.counter.Set(0)
}

func (v *uniqueUsers) IncreaseTotalUniqueUsers(identity string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.usersCache[identity]; exists {
		return
	}

	v.usersCache[identity] = struct{}{}
	v.counter.Inc()
}

func (v *uniqueUsers) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.usersCache)
}
