package service

// Outbound event names.
const (
	EventPreviousJobs    = "previousJobs"
	EventReportGenerated = "reportGenerated"
	EventStatus          = "status"
	EventError           = "error"
)

// Notifier pushes an event to one connection. Delivery is fire-and-forget.
type Notifier interface {
	Send(handle string, event string, payload any)
}
