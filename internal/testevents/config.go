package testevents

import "time"

// Config holds configuration for the event test.
type Config struct {
	BaseURL         string        // Base URL of the service
	Users           int           // Number of simulated users
	EventsPerUser   int           // Anonymous events sent before each identify
	Workers         int           // Number of concurrent workers
	Timeout         time.Duration // HTTP request timeout
	ProcessingDelay time.Duration // Wait between submission and verification
	OutputFile      string        // Output file for events
	LogFile         string        // Log file for test output
	Verbose         bool          // Enable verbose logging
}

// Event is one analytics event as posted to /events.
type Event map[string]any

// Session is the event trail of one simulated user: anonymous activity
// followed by an identify that carries the user's traits.
type Session struct {
	AnonymousID string  `json:"anonymousId"`
	UserID      string  `json:"userId"`
	Plan        string  `json:"plan"`
	Events      []Event `json:"events"`
}

// AckResponse represents the response from event submission.
type AckResponse struct {
	Status     string   `json:"status"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	MessageIDs []string `json:"messageIds"`
}

// Profile is the body of GET /profiles/{id}.
type Profile struct {
	ProfileID string         `json:"profileId"`
	Traits    map[string]any `json:"traits"`
}

// Stats holds test statistics.
type Stats struct {
	EventsGenerated  int
	EventsAccepted   int
	EventsDuplicate  int
	RequestsFailed   int
	ProfilesMatched  int
	ProfilesMissing  int
	ProfilesMismatch int
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
