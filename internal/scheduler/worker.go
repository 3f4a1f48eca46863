package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"mediaq/internal/jobs"
	"mediaq/internal/workitem"
	logx "mediaq/pkg/logx"
)

// completion is what a worker reports back to the loop.
type completion struct {
	id        string
	result    workitem.Result
	err       error
	panicked  bool
	cancelled bool // the job context was done when Execute returned
}

func (c *core) spawn(ctx context.Context, rec jobs.Record, item workitem.WorkItem) {
	results, done := c.results, c.loopDone
	log := c.svc.log
	c.svc.sup.Go0("job."+rec.ID, func(context.Context) {
		res := execute(ctx, rec, item, log)
		select {
		case results <- res:
		case <-done:
		}
	})
}

func execute(ctx context.Context, rec jobs.Record, item workitem.WorkItem, log logx.Logger) (res completion) {
	res.id = rec.ID
	defer func() {
		if r := recover(); r != nil {
			res.panicked = true
			res.err = fmt.Errorf("panic: %v", r)
			log.Error("work item panicked", logx.Job(rec.ID, rec.Kind), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		res.cancelled = ctx.Err() != nil
	}()
	res.result, res.err = item.Execute(ctx, rec.Input)
	return res
}
