package compound

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetmux/fleetmux/internal/store"
)

// sentinelPath is where a worker signals completion for one iteration.
// The iteration number is part of the name so stale sentinels from an
// earlier round never satisfy a later one.
func sentinelPath(dir, handle string, iteration int) string {
	return filepath.Join(dir, ".fleetmux", "compound", fmt.Sprintf("%s.iter%d.done", handle, iteration))
}

// waitForWorkers blocks until every handle has completed the given
// iteration, a worker drops out, or the context expires. Completion is
// the sentinel file or the done marker in the worker's output ring.
// Sentinel changes arrive via fsnotify when available; a polling ticker
// covers filesystems without watch support.
func (d *Driver) waitForWorkers(ctx context.Context, dir string, handles []string, iteration int) error {
	sentinelDir := filepath.Join(dir, ".fleetmux", "compound")
	if err := os.MkdirAll(sentinelDir, 0o755); err != nil {
		d.log.Warn("create sentinel dir", "dir", sentinelDir, "error", err)
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(sentinelDir); err != nil {
			d.log.Warn("watch sentinel dir, polling only", "dir", sentinelDir, "error", err)
		} else {
			events = watcher.Events
		}
	}

	pending := make(map[string]bool, len(handles))
	for _, h := range handles {
		pending[h] = true
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		for h := range pending {
			if d.workerDone(ctx, dir, h, iteration) {
				delete(pending, h)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events: // nil channel when watching failed; blocks forever
		}
	}
}

// workerDone checks one worker's completion for one iteration. A worker
// that has stopped or gone unhealthy is no longer awaited; stalling the
// whole loop on a dead process helps nobody.
func (d *Driver) workerDone(ctx context.Context, dir, handle string, iteration int) bool {
	if fileExists(sentinelPath(dir, handle, iteration)) {
		return true
	}

	rec, err := d.sup.GetWorker(ctx, handle)
	if err != nil || rec.State == store.StateStopped || rec.State == store.StateDismissed ||
		rec.Health == store.HealthUnhealthy {
		return true
	}

	lines, err := d.sup.ReadOutput("", handle, 0)
	if err != nil {
		return true
	}
	return ringDone(lines, iteration)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ringDone scans output for the done marker. On later iterations only
// text after the last re-engage marker counts, so a completion printed
// for an earlier round is never mistaken for this one.
func ringDone(lines []string, iteration int) bool {
	joined := strings.Join(lines, "\n")
	if iteration > 1 {
		idx := strings.LastIndex(joined, reengageMarker)
		if idx < 0 {
			return false
		}
		joined = joined[idx+len(reengageMarker):]
	}
	return strings.Contains(joined, doneMarker)
}
