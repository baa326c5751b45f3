// Package taskgroup is a small adaptation of the named-task,
// cancel-on-first-error group used throughout the teacher's consumer
// and broker services (see consumer/service.go's QueueTasks, which
// queues "service.Watch" and "service.GracefulStop" onto a
// *task.Group). It exists here as a first-party package because the
// upstream go.gazette.dev/core/task package is not part of this
// repository's own source.
package taskgroup

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs a set of named, long-lived functions. The first to return
// a non-nil error cancels the Group's Context, signalling the others
// to wind down; Wait joins all of them and returns the first error.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []namedErr
}

type namedErr struct {
	name string
	err  error
}

// New returns a Group deriving its Context from parent.
func New(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the Group's Context, cancelled when the Group begins
// winding down (either because a task failed, or because the parent
// Context was cancelled).
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in its own goroutine under the given name. If fn
// returns a non-nil error, the Group's Context is cancelled so other
// queued tasks can observe it and return.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		var err = fn()

		g.mu.Lock()
		g.errs = append(g.errs, namedErr{name: name, err: err})
		g.mu.Unlock()

		if err != nil {
			log.WithField("task", name).WithError(err).Error("task failed, cancelling group")
			g.cancel()
		}
	}()
}

// Wait blocks until every queued task has returned, then returns the
// first non-nil error encountered (in task-completion order), or nil.
func (g *Group) Wait() error {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ne := range g.errs {
		if ne.err != nil {
			return ne.err
		}
	}
	return nil
}
