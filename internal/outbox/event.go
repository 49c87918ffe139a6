package outbox

// Event is the domain event envelope written to the outbox table alongside
// the appointment mutation that produced it. The Kafka topic name equals
// EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the scheduling core.
const (
	EventAppointmentBooked    = "scheduling.appointment.booked.v1"
	EventAppointmentCancelled = "scheduling.appointment.cancelled.v1"
	EventReminderSent         = "scheduling.reminder.sent.v1"
)
