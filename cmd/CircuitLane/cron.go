package main

import (
	"context"
	"time"

	"CircuitLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartSnapshotReconcileCron starts the periodic snapshot reconcile task.
// Runs every minute and re-reads the shared state snapshots so a worker
// that missed events (dropped subscription, Redis hiccup) converges back
// to the cluster view.
func StartSnapshotReconcileCron(mgr *biz.SyncManager, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr.Reconcile(ctx)
	})

	if err != nil {
		helper.Errorw("failed to register snapshot reconcile cron job", "error", err)
		return nil
	}

	c.Start()
	helper.Info("Snapshot reconcile cron job started: runs every minute")

	return c
}
