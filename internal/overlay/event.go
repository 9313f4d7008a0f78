package overlay

import "fmt"

// EventKind tags an Event.
type EventKind int

const (
	// EventProgress reports the frame being shown: Current of Total.
	EventProgress EventKind = iota
	// EventError reports a failed fetch for Descriptor with cause Err.
	EventError
	// EventReady reports that Descriptor finished loading.
	EventReady
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	case EventReady:
		return "ready"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is the status notification shared by the cache and the loop
// controller. Which fields are meaningful depends on Kind.
type Event struct {
	Kind       EventKind
	Current    int
	Total      int
	Descriptor Descriptor
	Err        error
}

// Progress builds an EventProgress.
func Progress(current, total int) Event {
	return Event{Kind: EventProgress, Current: current, Total: total}
}

// Failure builds an EventError.
func Failure(d Descriptor, err error) Event {
	return Event{Kind: EventError, Descriptor: d, Err: err}
}

// Ready builds an EventReady.
func Ready(d Descriptor) Event {
	return Event{Kind: EventReady, Descriptor: d}
}
