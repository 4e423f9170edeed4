package metric

import "fmt"

// EventKind names an evaluator notification.
type EventKind int

const (
	InitializeEvent EventKind = iota
	EvaluateEvent
)

func (k EventKind) String() string {
	switch k {
	case InitializeEvent:
		return "initialize"
	case EvaluateEvent:
		return "evaluate"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered after a successful Initialize and after every
// evaluation, failed or not.
type Event struct {
	Kind           EventKind
	Value          float64
	ValidPoints    int
	WithDerivative bool
	Err            error
}

// Observer receives evaluator events on the calling goroutine, after the
// workers have returned. It must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// AddObserver registers o for every later event.
func (e *Evaluator) AddObserver(o Observer) { e.observers = append(e.observers, o) }

func (e *Evaluator) notify(ev Event) {
	for _, o := range e.observers {
		o.Observe(ev)
	}
}
