package hibiki

// SessionStats is a point-in-time view of one session's moving parts.
type SessionStats struct {
	// Entities counts cached records per kind.
	Entities map[EntityKind]int
	// LockedGuilds counts guilds currently mid-setup or mid-removal.
	LockedGuilds int
	// PendingRequests counts requests queued or in flight.
	PendingRequests int
	// RateLimitBuckets counts buckets the pipeline tracks.
	RateLimitBuckets int
	// LastSequence is the highest inbound record sequence seen.
	LastSequence int64

	RecordsDispatched int64
	RecordsIgnored    int64
	RecordsDeferred   int64
	RecordsReplayed   int64
	RecordsBacklogged int

	// EventsPublished counts domestic events accepted by the bus.
	EventsPublished int64
	// EventsDropped counts deliveries lost to backpressure or closed
	// subscriptions.
	EventsDropped int64
}

// StatsProvider exposes session statistics to modules.
type StatsProvider interface {
	SessionStats() SessionStats
}
