package eventbus

import "relaybot/internal/message"

const (
	KindMessageReceived  Kind = "message.received"
	KindMessageRequested Kind = "message.requested"
)

// MessageReceived is published by the pipeline for every inbound message.
type MessageReceived struct {
	Message message.Message
}

func (MessageReceived) Kind() Kind { return KindMessageReceived }

// MessageRequested asks whoever owns outbound delivery to send a message.
type MessageRequested struct {
	Request message.Request
}

func (MessageRequested) Kind() Kind { return KindMessageRequested }
