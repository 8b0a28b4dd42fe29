package domain

import "fmt"

// Event is the closed set of notifications a Transport emits.
// Lifecycle variants: Paired, Ready, Disconnected, AuthFailed.
// Acked carries delivery acknowledgments for sent messages.
type Event interface {
	isEvent()
}

// Paired carries an out-of-band pairing challenge (the QR payload).
type Paired struct {
	Code string
}

// Ready reports that the session is connected and can send.
type Ready struct{}

// Disconnected reports that the session was lost.
type Disconnected struct {
	Reason string
}

// AuthFailed reports that the stored credentials were rejected.
type AuthFailed struct {
	Message string
}

// Acked reports a new acknowledgment level for a sent message.
type Acked struct {
	MessageID string
	Level     AckLevel
}

func (Paired) isEvent()       {}
func (Ready) isEvent()        {}
func (Disconnected) isEvent() {}
func (AuthFailed) isEvent()   {}
func (Acked) isEvent()        {}

// AckLevel is the delivery tier reported by the messaging service.
type AckLevel int

const (
	AckError   AckLevel = -1
	AckPending AckLevel = 0
	AckServer  AckLevel = 1
	AckDevice  AckLevel = 2
	AckRead    AckLevel = 3
	AckPlayed  AckLevel = 4
)

func (l AckLevel) String() string {
	switch l {
	case AckError:
		return "error"
	case AckPending:
		return "pending"
	case AckServer:
		return "server"
	case AckDevice:
		return "device"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	default:
		return fmt.Sprintf("ack(%d)", int(l))
	}
}

// Delivered reports whether the message reached the recipient's device.
func (l AckLevel) Delivered() bool { return l >= AckDevice }
