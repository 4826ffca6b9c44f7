package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/bearfit/pkg/occupancy"
)

const reportTimeout = 10 * time.Second

// notifier forwards a room's connection count to the occupancy reporter off the actor goroutine. Only the latest
// count matters, so an unsent count is replaced rather than queued.
type notifier struct {
	room     string
	reporter occupancy.Reporter
	logger   *slog.Logger
	latest   chan int
	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newNotifier(room string, reporter occupancy.Reporter, logger *slog.Logger) *notifier {
	return &notifier{
		room:     room,
		reporter: reporter,
		logger:   logger,
		latest:   make(chan int, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// set records the latest count. It never blocks; it must only be called from one goroutine.
func (n *notifier) set(count int) {
	if n.reporter == nil {
		return
	}
	select {
	case <-n.latest:
	default:
	}
	select {
	case n.latest <- count:
	default:
	}
}

// run reports counts until stop. A count still pending at stop is reported before run returns.
func (n *notifier) run() {
	defer close(n.exited)
	for {
		select {
		case count := <-n.latest:
			n.report(count)
		case <-n.done:
			select {
			case count := <-n.latest:
				n.report(count)
			default:
			}
			return
		}
	}
}

func (n *notifier) report(count int) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := n.reporter.ReportRoomCount(ctx, n.room, count); err != nil {
		n.logger.Warn("failed to report room count", "count", count, "err", err)
	}
}

// stop waits for run to exit, which includes delivering the last pending count.
func (n *notifier) stop() {
	n.stopOnce.Do(func() { close(n.done) })
	<-n.exited
}
