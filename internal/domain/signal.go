package domain

import "time"

// Bus channels. Payloads are JSON Event envelopes.
const (
	ChannelQuotes        = "quotes"
	ChannelOpportunities = "opportunities"
	ChannelExecutions    = "executions"
	ChannelVenues        = "venues"
	ChannelTrading       = "trading"

	// StreamExecutions is the durable record of resolved executions.
	StreamExecutions = "stream:executions"
)

// Event is the envelope published on the signal bus and relayed to
// websocket clients.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineStatus summarises the trading loop for status endpoints.
type EngineStatus struct {
	Mode      string    `json:"mode"`
	Trading   bool      `json:"trading"`
	DryRun    bool      `json:"dry_run"`
	Halted    bool      `json:"halted"`
	HaltCause string    `json:"halt_cause,omitempty"`
	InFlight  int       `json:"in_flight"`
	StartedAt time.Time `json:"started_at"`
}
