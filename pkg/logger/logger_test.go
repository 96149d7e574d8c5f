package logger

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		So(Init(), ShouldBeNil)
		defer func() { _ = Sync() }()

		Convey("Then Get returns a usable logger", func() {
			l := Get()
			So(l, ShouldNotBeNil)
			So(func() { l.Info(context.Background(), "test message", String("k", "v")) }, ShouldNotPanic)
		})

		Convey("Then named and scoped loggers log without panics", func() {
			named := Named("pipeline").With(MessageID("m-1"))
			So(named, ShouldNotBeNil)
			So(func() {
				named.Warn(context.Background(), "slow sink", Duration("latency", 0), Bool("retry", true))
				named.Error(context.Background(), "delivery failed", Error(errors.New("boom")))
			}, ShouldNotPanic)
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		for _, lvl := range []string{"debug", "info", "", "warn", "warning", "error", " INFO "} {
			So(SetLevelString(lvl), ShouldBeNil)
		}
		So(SetLevelString("loud"), ShouldNotBeNil)
		_ = SetLevelString("info")
	})
}

func TestNop(t *testing.T) {
	Convey("Given a nop logger", t, func() {
		l := NewNop()

		Convey("Then Fatal does not exit the process", func() {
			So(func() { l.Fatal(context.Background(), "fatal but quiet") }, ShouldNotPanic)
		})
	})
}
