package mqtt

// ConnState is the broker connection state as seen by the
// [Subscriber]. Only the subscriber changes it.
type ConnState int32

const (
	// StateIdle means Start has not been called.
	StateIdle ConnState = iota
	// StateConnecting covers the initial connection attempts.
	StateConnecting
	// StateConnected means the broker acknowledged the connection and
	// subscriptions are being issued.
	StateConnected
	// StateSubscribed means every registry topic has been subscribed
	// and the presence message published.
	StateSubscribed
	// StateDisconnected follows a transport error or a broker
	// disconnect, and is final once the context is cancelled.
	StateDisconnected
	// StateReconnecting means the transport is retrying after a loss.
	StateReconnecting
)

var allStates = []ConnState{
	StateIdle, StateConnecting, StateConnected,
	StateSubscribed, StateDisconnected, StateReconnecting,
}

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// lifecycle guards Start. It only ever moves forward.
type lifecycle = int32

const (
	notStarted lifecycle = iota
	starting
	running
)
