package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// AutosaveScheduler is a fixed-period liveness signal over the pipeline.
// The pipeline already saves immediately on every edit, so the tick never
// triggers a save: when no save is in flight it stamps the last-saved
// time. A tick that fires while a save is in flight is skipped, not
// queued.
type AutosaveScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *BoardClient
	interval time.Duration
}

func NewAutosaveScheduler(ctx context.Context, client *BoardClient, interval time.Duration) *AutosaveScheduler {
	if interval <= 0 {
		interval = DefaultBoardClientSettings().AutosaveInterval
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &AutosaveScheduler{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		interval: interval,
	}
	go scheduler.run()
	return scheduler
}

func (self *AutosaveScheduler) run() {
	ticker := time.NewTicker(self.interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
		if self.client.Saving() {
			glog.V(2).Infof("[a]tick skipped, save in flight\n")
			continue
		}
		self.client.markSaved()
		glog.V(2).Infof("[a]tick\n")
	}
}

func (self *AutosaveScheduler) Close() {
	self.cancel()
}
