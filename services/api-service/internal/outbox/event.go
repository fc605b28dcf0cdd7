package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (one topic per event).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventBookingCreated   = "kibby.booking.created.v1"
	EventBookingConfirmed = "kibby.booking.confirmed.v1"
	EventMeetingDeleted   = "kibby.meeting.deleted.v1"
)
