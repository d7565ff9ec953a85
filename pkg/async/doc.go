// Package async provides guarded goroutines and a small worker pool.
//
// SafeGo runs a background task with a timeout and panic recovery, logging any
// failure through logrus:
//
//	async.SafeGo(ctx, 5*time.Second, "prune orphans", func(ctx context.Context) error {
//		return reconciler.PruneOrphans(ctx)
//	})
//
// WorkerPool bounds concurrency for a stream of tasks. The webhook sink uses
// one pool per sink so slow receivers cannot stall event fan-out:
//
//	pool := async.NewWorkerPool(ctx, 4, "webhook delivery", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//	err := pool.Submit(func(ctx context.Context) error { return deliver(ctx) })
//
// Batch applies a function to a slice with bounded parallelism and collects
// every error.
package async
