package dispatch

// MessageKind tags a Message sent from a PhaseWorker to its PhaseManager.
type MessageKind int

const (
	MessageLog MessageKind = iota
	MessageData
	MessageDone
	MessageError
)

func (k MessageKind) String() string {
	switch k {
	case MessageLog:
		return "log"
	case MessageData:
		return "data"
	case MessageDone:
		return "done"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the tagged union flowing over a phase's result channel.
// Every unit of work sends exactly one MessageData or MessageError, any number
// of MessageLog before it, and one closing MessageDone.
type Message[K comparable, T any] struct {
	Kind    MessageKind
	Phase   Phase
	Key     K
	Payload T      // MessageData
	Log     string // MessageLog
	Err     error  // MessageError
}
