package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/rotor/internal/testevents"
)

// Default configuration constants.
const (
	defaultUsers         = 1000
	defaultEventsPerUser = 4
	defaultWorkers       = 2 // multiplier for runtime.NumCPU()
	defaultTimeout       = 30 * time.Second
	defaultDelay         = 5 * time.Second
	defaultTestTimeout   = 10 * time.Minute
)

func main() {
	var (
		baseURL       = flag.String("url", "http://localhost:9080", "Base URL of the service")
		users         = flag.Int("users", defaultUsers, "Number of simulated users")
		eventsPerUser = flag.Int("events-per-user", defaultEventsPerUser, "Anonymous events sent before each identify")
		workers       = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout       = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		delay         = flag.Duration("delay", defaultDelay, "Wait between submission and verification")
		outputFile    = flag.String("output", "", "Output file for generated events (default: generated_events_TIMESTAMP.json)")
		logFile       = flag.String("log", "", "Log file for test output (default: test_log_TIMESTAMP.log)")
		verbose       = flag.Bool("verbose", false, "Enable verbose logging")
		help          = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		testevents.ShowHelp()
		return
	}

	closer, err := testevents.SetupLogging(*logFile)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	config := &testevents.Config{
		BaseURL:         *baseURL,
		Users:           *users,
		EventsPerUser:   *eventsPerUser,
		Workers:         max(*workers, 1),
		Timeout:         *timeout,
		ProcessingDelay: *delay,
		OutputFile:      *outputFile,
		LogFile:         *logFile,
		Verbose:         *verbose,
	}

	if err := testevents.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Test failed: " + err.Error() + "\n")
		closer.Close()
		os.Exit(1)
	}
}
