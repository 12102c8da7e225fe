package bus

import (
	"github.com/satori/uuid"
)

// RequestorId identifies the logical owner of a request
type RequestorId string

func NewRequestorId() RequestorId {
	return RequestorId(uuid.NewV4().String())
}

// Requestor is embedded by requests and their replies
type Requestor struct {
	Id RequestorId `json:"requestorId"`
}

// NewRequestor returns a Requestor carrying a fresh identity
func NewRequestor() Requestor {
	return Requestor{Id: NewRequestorId()}
}

// ReplyTo copies the identity of a received request so that only its owner acts on the reply
func ReplyTo(req Correlated) Requestor {
	return Requestor{Id: req.RequestorId()}
}

func (r Requestor) RequestorId() RequestorId {
	return r.Id
}

// IsDestination returns true when id owns the message. This is advisory: any subscriber can
// read the content, but only the destination should act on it.
func (r Requestor) IsDestination(id RequestorId) bool {
	return r.Id != "" && r.Id == id
}

// Correlated is implemented by requests and replies
type Correlated interface {
	Message
	RequestorId() RequestorId
	IsDestination(id RequestorId) bool
}
