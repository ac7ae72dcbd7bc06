package core

import "net/mail"

type (
	// Message is a flat notification payload: one recipient, a subject and
	// a plain-text body. Rendering and transport belong to the Dispatcher.
	Message struct {
		To      mail.Address
		Phone   string // set for SMS/WhatsApp-style deliveries
		Subject string
		Body    string
	}

	// Dispatcher is any service that can deliver notification messages.
	// Deliveries are fire-and-forget: implementations send concurrently,
	// log failures and never surface them to the caller.
	Dispatcher interface {
		Dispatch(messages ...*Message)
	}
)

func (m *Message) HasRecipient() bool { return m.To.Address != "" || m.Phone != "" }
func (m *Message) HasContent() bool   { return m.Body != "" }
