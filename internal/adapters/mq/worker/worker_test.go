package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/rotor/internal/adapters/mq/queue"
	worker "github.com/okian/rotor/internal/adapters/mq/worker"
	model "github.com/okian/rotor/internal/domain/model"
	logging "github.com/okian/rotor/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (r *recorder) Process(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.MessageID())
	return r.fail[ev.MessageID()]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		rec := &recorder{fail: map[string]error{"bad": errors.New("boom")}}
		w := worker.NewInMemoryWorker(q, rec, worker.WithLogger(logging.NewNop()), worker.WithName("w"))
		go w.Run(ctx)

		convey.Convey("When events are queued, including one that fails", func() {
			for _, id := range []string{"a", "bad", "b"} {
				convey.So(q.Enqueue(ctx, model.Event{"messageId": id}), convey.ShouldBeNil)
			}

			convey.Convey("Then every event is processed and the failure does not stop the worker", func() {
				convey.So(waitFor(func() bool { return rec.count() == 3 }), convey.ShouldBeTrue)
				convey.So(rec.seen, convey.ShouldResemble, []string{"a", "bad", "b"})
				convey.So(w.Shutdown(ctx), convey.ShouldBeNil)
				convey.So(w.Shutdown(ctx), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the queue is closed", func() {
			convey.So(q.Close(), convey.ShouldBeNil)

			convey.Convey("Then the worker exits", func() {
				select {
				case <-w.Done():
				case <-time.After(time.Second):
					convey.So("worker did not exit", convey.ShouldBeEmpty)
				}
			})
		})
	})

	convey.Convey("Given a processor that ignores deadlines", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(1))
		got := make(chan error, 1)
		slow := worker.ProcessorFunc(func(ctx context.Context, _ model.Event) error {
			<-ctx.Done()
			got <- ctx.Err()
			return ctx.Err()
		})
		w := worker.NewInMemoryWorker(q, slow,
			worker.WithLogger(logging.NewNop()), worker.WithEventTimeout(20*time.Millisecond))
		go w.Run(context.Background())
		convey.So(q.Enqueue(context.Background(), model.Event{"messageId": "x"}), convey.ShouldBeNil)

		convey.Convey("Then the event context times out", func() {
			select {
			case err := <-got:
				convey.So(errors.Is(err, context.DeadlineExceeded), convey.ShouldBeTrue)
			case <-time.After(time.Second):
				convey.So("no timeout observed", convey.ShouldBeEmpty)
			}
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool of four workers", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(500))
		rec := &recorder{}
		p := worker.NewPool(4, q, rec, worker.WithLogger(logging.NewNop()))
		convey.So(p.Size(), convey.ShouldEqual, 4)
		p.Start(ctx)

		for i := 0; i < 200; i++ {
			convey.So(q.Enqueue(ctx, model.Event{"messageId": fmt.Sprint(i)}), convey.ShouldBeNil)
		}

		convey.Convey("When the pool shuts down", func() {
			sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			err := p.Shutdown(sctx)

			convey.Convey("Then queued events are drained first", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(rec.count(), convey.ShouldEqual, 200)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})

	convey.Convey("Given a pool created with a non-positive size", t, func() {
		p := worker.NewPool(0, queue.NewInMemoryQueue(), &recorder{}, worker.WithLogger(logging.NewNop()))
		convey.So(p.Size(), convey.ShouldBeGreaterThan, 0)
	})
}
