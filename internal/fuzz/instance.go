package fuzz

import "context"

// Status is an immutable snapshot of a live instance.
type Status struct {
	ID            string   `json:"id"`
	CampaignID    string   `json:"campaign_id"`
	FuzzerType    string   `json:"fuzzer_type"`
	State         State    `json:"state"`
	PID           *int     `json:"pid"`
	UptimeSeconds *float64 `json:"uptime_seconds"`
	Recovered     bool     `json:"recovered,omitempty"`
}

// Instance is anything the campaign registry can hold: a supervised
// Process or a Recovered placeholder.
type Instance interface {
	ID() string
	Status() Status
	Stop(ctx context.Context) error
}

// Collectable instances expose their capability for metric and crash collection.
type Collectable interface {
	Instance
	Fuzzer() Fuzzer
}
