package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/acme/session-dispatch/pkg/logger"
)

// Provisioner blocks until identities appear in the working directory.
// Identities are provisioned by operators dropping session files in place.
type Provisioner struct {
	store    *FileStore
	interval time.Duration
	logger   *logger.Logger
}

// NewProvisioner wires a provisioner to a file store.
func NewProvisioner(store *FileStore, pollInterval time.Duration, lg *logger.Logger) *Provisioner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Provisioner{store: store, interval: pollInterval, logger: lg}
}

// Wait returns once at least one identity is listed or ctx is done.
// Filesystem events wake it early; the poll interval covers filesystems
// where inotify is unavailable.
func (p *Provisioner) Wait(ctx context.Context) error {
	if ok, err := p.available(ctx); err != nil || ok {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("identity provisioner: watcher unavailable, polling", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.store.WorkDir()); err != nil {
			p.logger.Warn("identity provisioner: watch failed, polling", zap.Error(err))
		}
	}

	p.logger.Warn("no identities found, waiting for session files", zap.String("dir", p.store.WorkDir()))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn("identity provisioner: watch error", zap.Error(werr))
			continue
		case <-ticker.C:
		}

		ok, err := p.available(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (p *Provisioner) available(ctx context.Context) (bool, error) {
	names, err := p.store.List(ctx)
	if err != nil {
		return false, fmt.Errorf("identity provisioner: %w", err)
	}
	return len(names) > 0, nil
}
