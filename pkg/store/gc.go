package store

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// gcBatchSize is the number of keys examined between scheduler yields, so a
// sweep never starves foreground operations.
const gcBatchSize = 256

// CleanupWorker enforces bulk expiry across all namespaces on a fixed cadence
// and compacts the secondary indexes against the killmail namespace.
type CleanupWorker struct {
	store    *Store
	interval time.Duration
	cron     *cron.Cron

	// Metrics
	sweeps         atomic.Int64
	expiredRemoved atomic.Int64
	listsCompacted atomic.Int64
}

// NewCleanupWorker creates a worker sweeping every interval.
func NewCleanupWorker(store *Store, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		store:    store,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start schedules the periodic sweep.
func (w *CleanupWorker) Start() {
	w.cron.Schedule(cron.Every(w.interval), cron.FuncJob(w.Sweep))
	w.cron.Start()
	slog.Info("Cache cleanup worker started", "interval", w.interval)
}

// Stop halts the schedule; an in-flight sweep runs to completion.
func (w *CleanupWorker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	slog.Info("Cache cleanup worker stopped")
}

// Sweep performs one full pass: expired-entry removal in every namespace,
// then index compaction. Exported so tests and shutdown paths can force it.
func (w *CleanupWorker) Sweep() {
	started := time.Now()
	removed := 0
	for _, ns := range Namespaces {
		removed += w.sweepNamespace(ns)
	}
	compacted := w.compactSystemIndexes()

	w.sweeps.Add(1)
	w.expiredRemoved.Add(int64(removed))
	w.listsCompacted.Add(int64(compacted))

	slog.Info("Cache sweep completed",
		"expired_removed", removed,
		"lists_compacted", compacted,
		"elapsed", time.Since(started))
}

func (w *CleanupWorker) sweepNamespace(ns Namespace) int {
	now := w.store.now()
	var expired []string
	w.store.space(ns).Range(func(key string, e entry) bool {
		if e.expired(now) {
			expired = append(expired, key)
		}
		return true
	})

	for i, key := range expired {
		w.store.dropIfExpired(ns, key)
		if (i+1)%gcBatchSize == 0 {
			runtime.Gosched()
		}
	}
	return len(expired)
}

// compactSystemIndexes drops references to evicted killmails from the
// per-system lists and removes active-system membership for systems left with
// no kills.
func (w *CleanupWorker) compactSystemIndexes() int {
	type systemList struct {
		key  string
		ids  []int64
		dead []int64
	}
	var lists []systemList
	w.store.Range(NSSystemKillmails, func(key string, value any) bool {
		ids, ok := value.([]int64)
		if !ok {
			return true
		}
		var dead []int64
		for _, id := range ids {
			if !w.store.Exists(NSKillmail, Key(id)) {
				dead = append(dead, id)
			}
		}
		if len(dead) > 0 {
			lists = append(lists, systemList{key: key, ids: ids, dead: dead})
		}
		return true
	})

	compacted := 0
	for i, l := range lists {
		for _, id := range l.dead {
			if err := w.store.RemoveFromList(NSSystemKillmails, l.key, id); err != nil {
				slog.Warn("Failed to compact system killmail list", "system", l.key, "error", err)
			}
		}
		if len(l.dead) == len(l.ids) {
			w.pruneActiveSystem(l.key)
		}
		compacted++
		if (i+1)%gcBatchSize == 0 {
			runtime.Gosched()
		}
	}
	return compacted
}

func (w *CleanupWorker) pruneActiveSystem(key string) {
	systemID, err := parseKey(key)
	if err != nil {
		return
	}
	if err := w.store.RemoveFromSet(NSActiveSystems, ActiveSystemsKey, systemID); err != nil {
		slog.Warn("Failed to prune active system", "system_id", systemID, "error", err)
	}
}

// Health reports sweep counters for the health endpoint.
func (w *CleanupWorker) Health() map[string]any {
	return map[string]any{
		"healthy":         true,
		"sweeps":          w.sweeps.Load(),
		"expired_removed": w.expiredRemoved.Load(),
		"lists_compacted": w.listsCompacted.Load(),
	}
}
