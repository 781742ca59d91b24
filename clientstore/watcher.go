package clientstore

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"meshvpn/internal/logging"
	"meshvpn/internal/metrics"
	"meshvpn/internal/state"
)

// fileRecord mirrors Record for JSON (de)serialization of the store file.
type fileRecord struct {
	Cluster      string            `json:"cluster"`
	Identity     string            `json:"identity"`
	PrivateIP    string            `json:"private_ip"`
	Mask         string            `json:"mask"`
	Gateway      string            `json:"gateway"`
	Ciders       []string          `json:"ciders"`
	CiderMapping map[string]string `json:"cider_mapping,omitempty"`
}

// Watcher polls a JSON client-record file on a ticker and rewrites the
// store atomically whenever its mtime changes, recording each attempt in a
// ReloadTracker for operator introspection.
type Watcher struct {
	path    string
	store   *Store
	tracker *state.ReloadTracker
	logger  *logging.Logger
	period  time.Duration

	lastMod time.Time
}

// NewWatcher constructs a watcher over path, polling every period (defaults
// to 10s when period <= 0).
func NewWatcher(path string, store *Store, logger *logging.Logger, period time.Duration) *Watcher {
	if period <= 0 {
		period = 10 * time.Second
	}
	return &Watcher{
		path:    path,
		store:   store,
		tracker: state.NewReloadTracker(20),
		logger:  logger,
		period:  period,
	}
}

// Tracker exposes reload history for the management status endpoint.
func (w *Watcher) Tracker() *state.ReloadTracker { return w.tracker }

// Run polls until ctx is cancelled, reloading once up front.
func (w *Watcher) Run(ctx context.Context) {
	w.reload()
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.tracker.RecordFailure(err)
		metrics.ClientStoreReloads.WithLabelValues("failure").Inc()
		w.logger.Error("client store stat failed", map[string]interface{}{"error": err.Error(), "path": w.path})
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.tracker.RecordFailure(err)
		metrics.ClientStoreReloads.WithLabelValues("failure").Inc()
		w.logger.Error("client store read failed", map[string]interface{}{"error": err.Error(), "path": w.path})
		return
	}
	var records []fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		w.tracker.RecordFailure(err)
		metrics.ClientStoreReloads.WithLabelValues("failure").Inc()
		w.logger.Error("client store parse failed", map[string]interface{}{"error": err.Error(), "path": w.path})
		return
	}

	out := make([]Record, 0, len(records))
	changes := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, Record{
			Cluster:      r.Cluster,
			Identity:     r.Identity,
			PrivateIP:    r.PrivateIP,
			Mask:         r.Mask,
			Gateway:      r.Gateway,
			Ciders:       r.Ciders,
			CiderMapping: r.CiderMapping,
		})
		changes = append(changes, r.Identity)
	}

	w.store.Rewrite(out)
	w.lastMod = info.ModTime()
	w.tracker.RecordSuccess(changes)
	metrics.ClientStoreReloads.WithLabelValues("success").Inc()
	w.logger.Info("client store reloaded", map[string]interface{}{"records": len(out), "path": w.path})
}
