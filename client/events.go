package client

// Lifecycle event types published through the client's dispatcher.
// Application event types arrive alongside these, named by the server;
// subscribe with dispatch.Wildcard to see everything.
const (
	// EventOpen fires when a connection is established, initial or
	// after a reconnect. Payload: the target string.
	EventOpen = "connection:open"
	// EventClosed fires when the connection ends without a reconnect
	// following: an intentional Disconnect or a clean server close.
	// Payload: transport.CloseEvent.
	EventClosed = "connection:closed"
	// EventFailed fires exactly once when the attempt budget is spent.
	// The client is then in StateFailed until Connect is called again.
	// Payload: Failure.
	EventFailed = "connection:failed"
	// EventDeliveryFailed fires per envelope evicted after too many
	// delivery attempts. Payload: queue.Envelope.
	EventDeliveryFailed = "delivery:failed"
	// EventMutationRolledBack fires when an optimistic mutation is
	// rolled back, by timeout or server rejection. Payload:
	// ledger.Mutation.
	EventMutationRolledBack = "mutation:rolledback"
)

// Failure is the payload of an EventFailed publish.
type Failure struct {
	Target   string
	Attempts int
	Cause    error
}

// emission is an event held until the client lock is released.
// Handlers are allowed to call back into the client, so nothing may be
// published while the lock is held.
type emission struct {
	event string
	data  any
}
