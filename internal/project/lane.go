package project

import "context"

type callKind int

const (
	callSave callKind = iota
	callReset
)

// call is one queued remote write. Saves arriving while another save is
// queued share it.
type call struct {
	kind    callKind
	run     func(ctx context.Context) error
	waiters int
	done    chan struct{}
	err     error
}

func (c *call) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lane runs the writes of one project strictly one at a time.
type lane struct {
	queue []*call
}

// enqueue adds a write to the project's lane, starting the lane if idle.
// A save joins the last queued call when that call is a save that has not
// started yet.
func (g *Gateway) enqueue(projectID string, kind callKind, run func(ctx context.Context) error) *call {
	g.laneMu.Lock()
	defer g.laneMu.Unlock()

	l, running := g.lanes[projectID]
	if !running {
		l = &lane{}
		g.lanes[projectID] = l
	}

	if kind == callSave && len(l.queue) > 0 {
		if last := l.queue[len(l.queue)-1]; last.kind == callSave {
			last.waiters++
			g.logger.Debug("save coalesced", "project_id", projectID, "waiters", last.waiters)
			return last
		}
	}

	c := &call{kind: kind, run: run, waiters: 1, done: make(chan struct{})}
	l.queue = append(l.queue, c)
	if !running {
		go g.drain(projectID, l)
	}
	return c
}

// next pops the call to run. The in-flight call is removed from the queue
// before it starts so later saves build a new follow-up instead of joining
// a write whose state is already captured.
func (g *Gateway) next(projectID string, l *lane) *call {
	g.laneMu.Lock()
	defer g.laneMu.Unlock()

	if len(l.queue) == 0 {
		delete(g.lanes, projectID)
		return nil
	}
	c := l.queue[0]
	l.queue = l.queue[1:]
	return c
}

func (g *Gateway) drain(projectID string, l *lane) {
	for c := g.next(projectID, l); c != nil; c = g.next(projectID, l) {
		ctx, cancel := context.WithTimeout(context.Background(), g.saveTimeout)
		c.err = c.run(ctx)
		cancel()
		close(c.done)
	}
}
