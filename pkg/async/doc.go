// Package async runs post-commit side work off the request path.
//
// SafeGo launches a single fire-and-forget task with panic recovery and a
// timeout. The task keeps the parent context's values (request id, trace
// span) but not its cancellation, so work started by a handler survives the
// response being written.
//
// WorkerPool bounds concurrency for a stream of such tasks and rejects new
// work instead of blocking when its queue is full:
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Workers: 4, Queue: 64}, "invoice archive", logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.Submit(func(ctx context.Context) error {
//		return archiver.Put(ctx, doc)
//	}); err != nil {
//		logger.WithError(err).Warn("archive task dropped")
//	}
package async
