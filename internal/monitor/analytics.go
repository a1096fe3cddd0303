package monitor

import (
	"sort"
	"sync"
	"time"
)

const maxRecentEvents = 10000

type UsageEvent struct {
	QueryID int64     `json:"query_id"`
	User    string    `json:"user"`
	At      time.Time `json:"at"`
}

type QueryUsage struct {
	QueryID int64 `json:"query_id"`
	Count   int64 `json:"count"`
}

type UserUsage struct {
	User  string `json:"user"`
	Count int64  `json:"count"`
}

type UserActivity struct {
	User     string       `json:"user"`
	Total    int64        `json:"total"`
	LastSeen time.Time    `json:"last_seen"`
	Queries  []QueryUsage `json:"queries"`
}

type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	TotalExecutions int64          `json:"total_executions"`
	DistinctQueries int            `json:"distinct_queries"`
	DistinctUsers   int            `json:"distinct_users"`
	TopQueries      []QueryUsage   `json:"top_queries"`
	TopUsers        []UserUsage    `json:"top_users"`
	Users           []UserActivity `json:"users"`
}

// Analytics aggregates usage for the life of the process. One instance is
// shared by every executor.
type Analytics struct {
	mu       sync.RWMutex
	total    int64
	byQuery  map[int64]int64
	byUser   map[string]map[int64]int64
	lastSeen map[string]time.Time
	recent   []UsageEvent
	now      func() time.Time
}

func NewAnalytics() *Analytics {
	return &Analytics{
		byQuery:  make(map[int64]int64),
		byUser:   make(map[string]map[int64]int64),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (a *Analytics) RecordUsage(queryID int64, user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at := a.now()
	a.total++
	a.byQuery[queryID]++
	uq := a.byUser[user]
	if uq == nil {
		uq = make(map[int64]int64)
		a.byUser[user] = uq
	}
	uq[queryID]++
	a.lastSeen[user] = at
	a.recent = append(a.recent, UsageEvent{QueryID: queryID, User: user, At: at})
	if len(a.recent) > maxRecentEvents {
		a.recent = a.recent[len(a.recent)-maxRecentEvents:]
	}
}

// MostUsed returns up to n queries by execution count, ties by lower id.
func (a *Analytics) MostUsed(n int) []QueryUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return topQueries(a.byQuery, n)
}

// TopUsers returns up to n users by execution count, ties by name.
func (a *Analytics) TopUsers(n int) []UserUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.topUsers(n)
}

func (a *Analytics) UserActivity(user string) UserActivity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activity(user)
}

// Recent returns the latest events, oldest first.
func (a *Analytics) Recent(n int) []UsageEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	return append([]UsageEvent(nil), a.recent[len(a.recent)-n:]...)
}

func (a *Analytics) Report(n int) Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := Report{
		GeneratedAt:     a.now(),
		TotalExecutions: a.total,
		DistinctQueries: len(a.byQuery),
		DistinctUsers:   len(a.byUser),
		TopQueries:      topQueries(a.byQuery, n),
		TopUsers:        a.topUsers(n),
	}
	for _, u := range r.TopUsers {
		r.Users = append(r.Users, a.activity(u.User))
	}
	return r
}

func (a *Analytics) topUsers(n int) []UserUsage {
	out := make([]UserUsage, 0, len(a.byUser))
	for user, qs := range a.byUser {
		var c int64
		for _, v := range qs {
			c += v
		}
		out = append(out, UserUsage{User: user, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].User < out[j].User
	})
	return limit(out, n)
}

func (a *Analytics) activity(user string) UserActivity {
	act := UserActivity{User: user, LastSeen: a.lastSeen[user]}
	qs := a.byUser[user]
	for _, c := range qs {
		act.Total += c
	}
	act.Queries = topQueries(qs, 0)
	return act
}

func topQueries(counts map[int64]int64, n int) []QueryUsage {
	out := make([]QueryUsage, 0, len(counts))
	for id, c := range counts {
		out = append(out, QueryUsage{QueryID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].QueryID < out[j].QueryID
	})
	return limit(out, n)
}

// limit keeps the first n items; n <= 0 keeps all.
func limit[T any](items []T, n int) []T {
	if n > 0 && n < len(items) {
		return items[:n]
	}
	return items
}
