package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/rotor/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryQueue(t *testing.T) {
	ctx := context.Background()

	Convey("Given a queue of capacity two", t, func() {
		q := NewInMemoryQueue(WithCapacity(2))
		So(q.Capacity(), ShouldEqual, 2)
		So(q.Len(ctx), ShouldEqual, 0)

		Convey("When it is filled past capacity", func() {
			So(q.Enqueue(ctx, model.Event{"messageId": "1"}), ShouldBeNil)
			So(q.Enqueue(ctx, model.Event{"messageId": "2"}), ShouldBeNil)
			err := q.Enqueue(ctx, model.Event{"messageId": "3"})

			Convey("Then the extra event is refused", func() {
				So(errors.Is(err, ErrFull), ShouldBeTrue)
				So(q.Len(ctx), ShouldEqual, 2)
			})

			Convey("Then events come out in order with their enqueue time", func() {
				first := <-q.Dequeue(ctx)
				So(first.Event.MessageID(), ShouldEqual, "1")
				So(first.EnqueuedAt.IsZero(), ShouldBeFalse)
				So((<-q.Dequeue(ctx)).Event.MessageID(), ShouldEqual, "2")
			})
		})

		Convey("When the context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			So(errors.Is(q.Enqueue(cctx, model.Event{}), context.Canceled), ShouldBeTrue)
		})

		Convey("When the queue is closed", func() {
			So(q.Enqueue(ctx, model.Event{"messageId": "1"}), ShouldBeNil)
			So(q.Close(), ShouldBeNil)
			So(q.Close(), ShouldBeNil)

			Convey("Then intake stops but queued events drain", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(errors.Is(q.Enqueue(ctx, model.Event{}), ErrClosed), ShouldBeTrue)

				var got []string
				for item := range q.Dequeue(ctx) {
					got = append(got, item.Event.MessageID())
				}
				So(got, ShouldResemble, []string{"1"})
			})
		})
	})

	Convey("Given concurrent producers", t, func() {
		q := NewInMemoryQueue(WithCapacity(1000))
		var wg sync.WaitGroup
		for p := 0; p < 10; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_ = q.Enqueue(ctx, model.Event{"messageId": fmt.Sprintf("%d-%d", p, i)})
				}
			}(p)
		}
		wg.Wait()
		So(q.Len(ctx), ShouldEqual, 1000)
	})
}
