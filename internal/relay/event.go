package relay

// Kind tags a relay Event.
type Kind int

const (
	KindToken Kind = iota
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the only unit the relay emits. A stream carries any number of
// Token events followed by exactly one Done or Error.
type Event struct {
	Kind Kind
	// Text is the token text for KindToken and the message for KindError.
	Text string
}

// Token returns a token event.
func Token(text string) Event { return Event{Kind: KindToken, Text: text} }

// Done returns the completion event.
func Done() Event { return Event{Kind: KindDone} }

// Error returns a terminal error event.
func Error(message string) Event { return Event{Kind: KindError, Text: message} }

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
