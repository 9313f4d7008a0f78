package taskqueue

import (
	"fmt"
)

// worker processes tasks until the queue is closed.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()
	log.Trace().Msg("worker started")
	defer log.Trace().Msg("worker stopped")

	for {
		task := q.next()
		if task == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.taskAdded:
				continue
			}
		}

		err := q.run(task)
		if err != nil && q.ctx.Err() == nil {
			log.Warn().Err(err).Str("task", task.ID).Str("key", task.Key).Msg("task failed")
		}
		q.finish(task, err)

		if q.ctx.Err() != nil {
			return
		}
	}
}

// run executes one task. An executor panic is returned as an error.
func (q *Queue) run(task *FetchTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	if q.executor == nil {
		return fmt.Errorf("no executor configured")
	}
	return q.executor.ExecuteFetchTask(q.ctx, task)
}
