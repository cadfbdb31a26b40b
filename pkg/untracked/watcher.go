// Package untracked discovers freshly submitted analyses. Submission
// tooling drops a marker file named after the analysis id into the
// untracked directory; the watcher turns every marker into a tracking
// request.
package untracked

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/fsnotify/fsnotify"

	"github.com/immune-gmbh/dsas/pkg/workdir"
)

// Watcher reports analysis ids appearing in the untracked directory.
type Watcher struct {
	Paths *workdir.Root

	// OnUntracked is called once per discovered analysis id.
	OnUntracked func(analysisID string)
}

// Run watches until ctx is canceled. Markers that already exist at
// startup are reported first, so submissions made while the daemon was
// down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = beltctx.WithField(ctx, "module", "untracked")
	log := logger.FromCtx(ctx)

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create untracked watcher: %w", err)
	}
	defer notify.Close()
	if err := notify.Add(w.Paths.UntrackedDir()); err != nil {
		return fmt.Errorf("unable to watch '%s': %w", w.Paths.UntrackedDir(), err)
	}

	// The watch is active, nothing between here and the loop can be
	// missed; existing markers are safe to scan now.
	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notify.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			w.report(ctx, filepath.Base(event.Name))
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			log.Errorf("untracked watcher error: %v", err)
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.Paths.UntrackedDir())
	if err != nil {
		return fmt.Errorf("unable to scan '%s': %w", w.Paths.UntrackedDir(), err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.report(ctx, entry.Name())
	}
	return nil
}

func (w *Watcher) report(ctx context.Context, name string) {
	if !workdir.ValidAnalysisID(name) {
		logger.FromCtx(ctx).Debugf("ignoring stray file '%s' in untracked directory", name)
		return
	}
	w.OnUntracked(name)
}
