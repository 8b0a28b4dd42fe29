package domain

// SendRequest is one outbound request. It is never persisted.
type SendRequest struct {
	Target         string // raw destination: phone-like number or group id
	Body           string // optional text
	AttachmentPath string // optional file on local disk
	AwaitAck       bool   // wait for a device-level ack after the text send
}

// SendResult is returned to the caller of a send.
type SendResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Target    string `json:"target"`
	MessageID string `json:"messageId,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	Warning   string `json:"warning,omitempty"`
}
