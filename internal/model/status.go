package model

// AllocationKind distinguishes the two allocation representations that can
// hold a technician/slot pair.
type AllocationKind string

const (
	KindBooking        AllocationKind = "booking"
	KindServiceRequest AllocationKind = "service_request"
)

// Valid reports whether the kind is one of the recognized values.
func (k AllocationKind) Valid() bool {
	return k == KindBooking || k == KindServiceRequest
}

// AllocationStatus is the closed set of states an allocation can be in.
type AllocationStatus string

const (
	StatusPending     AllocationStatus = "pending"
	StatusAccepted    AllocationStatus = "accepted"
	StatusReviewed    AllocationStatus = "reviewed"
	StatusConverted   AllocationStatus = "converted"
	StatusCancelled   AllocationStatus = "cancelled"
	StatusRescheduled AllocationStatus = "rescheduled"
)

// requestStatuses is the full status set, accepted by service requests.
var requestStatuses = map[AllocationStatus]bool{
	StatusPending:     true,
	StatusAccepted:    true,
	StatusReviewed:    true,
	StatusConverted:   true,
	StatusCancelled:   true,
	StatusRescheduled: true,
}

// bookingStatuses is the narrower subset recognized for plain bookings.
var bookingStatuses = map[AllocationStatus]bool{
	StatusPending:     true,
	StatusAccepted:    true,
	StatusCancelled:   true,
	StatusRescheduled: true,
}

// ValidFor reports whether the status is recognized for the given allocation kind.
func (s AllocationStatus) ValidFor(kind AllocationKind) bool {
	if kind == KindBooking {
		return bookingStatuses[s]
	}
	return requestStatuses[s]
}

// Terminal reports whether the status releases the technician/slot pair.
// Only cancelled allocations stop counting against the double-booking check.
func (s AllocationStatus) Terminal() bool {
	return s == StatusCancelled
}
