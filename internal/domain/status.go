package domain

import "fmt"

// Status tracks a message along the delivery chain
// sending -> sent -> delivered -> read, with failed as a side branch
// reachable from sending or sent. The chain only moves forward during
// merge; the failed -> sending edge is taken explicitly by a retry,
// never by an incoming event.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusSending, fmt.Errorf("domain: unknown status %q", s)
}

// rank orders the main chain. failed sits outside it and is handled
// by CanReplace directly.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// CanReplace reports whether applying s over prev respects the
// forward-only rules. Equal statuses are allowed so that redelivered
// events merge as no-ops.
func (s Status) CanReplace(prev Status) bool {
	if s == prev {
		return true
	}
	if s == StatusFailed {
		return prev == StatusSending || prev == StatusSent
	}
	if prev == StatusFailed {
		// An authoritative event can recover a locally failed send;
		// going back to sending requires an explicit retry.
		return s.rank() >= StatusSent.rank()
	}
	return s.rank() >= prev.rank()
}
