package main

import (
	"fuzzhub/config"
	"fuzzhub/internal/api"
	"fuzzhub/internal/bus"
	"fuzzhub/internal/campaign"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/fuzz/aflpp"
	"fuzzhub/internal/fuzz/dummy"
	"fuzzhub/internal/monitor"
	"fuzzhub/internal/scheduler"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"fuzzhub/pkg/logger"
	"fuzzhub/pkg/mq"
	"fuzzhub/pkg/telemetry"
	"fuzzhub/pkg/watchdog"
	"os/exec"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func setUpMmapRNDBits(logger *zap.Logger) {
	// Set the mmap_rnd_bits to 28 to avoid ASLR issues on ASAN
	if err := exec.Command("sysctl", "-w", "vm.mmap_rnd_bits=28").Run(); err != nil {
		logger.Warn("Failed to set mmap_rnd_bits", zap.Error(err))
	} else {
		logger.Info("Successfully set mmap_rnd_bits to 28")
	}
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			watchdog.NewWatchDogFactory, // inject watchdog factory
			fuzz.NewRegistry,            // inject fuzzer registry
		),
		store.Module,     // inject db connection and store
		monitor.Module,   // inject prometheus metrics
		dummy.Module,     // inject dummy fuzzer
		aflpp.AFLModule,  // inject AFL++ fuzzer, if installed
		bus.Module,       // inject event bus and forwarder
		campaign.Module,  // inject campaign manager
		scheduler.Module, // recovery, heartbeat and shutdown
		api.Module,       // inject http api
		fx.Invoke(
			setUpMmapRNDBits, // set up mmap_rnd_bits
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
