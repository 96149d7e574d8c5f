package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/rotor/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.EventQueueSize, convey.ShouldEqual, 100_000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*4)
			convey.So(cfg.Store.Driver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.Store.LookbackDays, convey.ShouldEqual, 30)
			convey.So(cfg.Delivery.Concurrency, convey.ShouldEqual, 10)
			convey.So(cfg.Delivery.Timeout(), convey.ShouldEqual, 2*time.Second)
			convey.So(cfg.Delivery.MaxPayloadBytes, convey.ShouldEqual, 1_000_000)
			convey.So(cfg.Delivery.MaxAttempts, convey.ShouldEqual, 3)
			convey.So(cfg.Profiles.WindowDays, convey.ShouldEqual, 365)
			convey.So(cfg.Profiles.TraitsPrecedence, convey.ShouldEqual, "existing")
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a valid config", t, func() {
		cfg := config.New()
		cfg.Connections = []config.ConnectionConfig{{ID: "c1", Type: "bulker", Layout: "segment", Endpoint: "http://bulker"}}
		convey.So(cfg.Validate(), convey.ShouldBeNil)

		cases := map[string]func(){
			"empty addr":           func() { cfg.Addr = "" },
			"zero queue":           func() { cfg.EventQueueSize = 0 },
			"unknown driver":       func() { cfg.Store.Driver = "redis" },
			"postgres without dsn": func() { cfg.Store.Driver = config.DriverPostgres },
			"zero attempts":        func() { cfg.Delivery.MaxAttempts = 0 },
			"unknown layout":       func() { cfg.Connections[0].Layout = "csv" },
			"unknown type":         func() { cfg.Connections[0].Type = "ftp" },
			"missing endpoint":     func() { cfg.Connections[0].Endpoint = "" },
			"duplicate connection": func() { cfg.Connections = append(cfg.Connections, cfg.Connections[0]) },
			"profiles without ids": func() { cfg.Profiles.Enabled = true },
			"bad precedence": func() {
				cfg.Profiles = config.ProfilesConfig{Enabled: true, WorkspaceID: "w", ProfileBuilderID: "p", TraitsPrecedence: "newest"}
			},
		}
		for name, mutate := range cases {
			convey.Convey("When "+name, func() {
				mutate()
				err := cfg.Validate()
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}
	})
}
