package envelope

import (
	"time"

	"github.com/google/uuid"
)

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Recipient is one addressee of an outgoing message.
type Recipient struct {
	Certificate  *Certificate `cbor:"c"`
	EncryptedKey []byte       `cbor:"k,omitempty"`
	Invitation   *Invitation  `cbor:"inv,omitempty"`
}

// OutgoingMessage is what is posted to the relay. One ciphertext is shared by every recipient.
type OutgoingMessage struct {
	ID          uuid.UUID    `cbor:"id"`
	SenderID    string       `cbor:"s"`
	Timestamp   time.Time    `cbor:"ts"`
	Type        PayloadType  `cbor:"t"`
	Ciphertext  []byte       `cbor:"c,omitempty"`
	Certificate *Certificate `cbor:"cert,omitempty"`
	Recipients  []*Recipient `cbor:"r"`
	Priority    Priority     `cbor:"pr"`
	CollapseID  string       `cbor:"cid,omitempty"`
}

func (m *OutgoingMessage) Validate() error {
	if len(m.Recipients) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// EnvelopeFor builds the envelope a recipient receives for this message.
func (m *OutgoingMessage) EnvelopeFor(r *Recipient) (*Envelope, error) {
	e := &Envelope{
		ID:                  m.ID,
		SenderID:            m.SenderID,
		Timestamp:           m.Timestamp,
		CollapseID:          m.CollapseID,
		SenderCertificate:   m.Certificate,
		ReceiverCertificate: r.Certificate,
		Invitation:          r.Invitation,
	}
	switch m.Type {
	case PayloadTypeEncrypted:
		pc, err := NewEncryptedContainer(&EncryptedPayloadContainer{Ciphertext: m.Ciphertext, EncryptedKey: r.EncryptedKey})
		if err != nil {
			return nil, err
		}
		e.Payload = pc
	default:
		e.Payload = &PayloadContainer{Type: m.Type, Data: m.Ciphertext}
	}
	return e, nil
}
