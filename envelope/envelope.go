// Package envelope defines the wire units exchanged between devices and the relay.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/meow-io/go-hush/crypto"
)

type PayloadType string

const (
	PayloadTypeEncrypted PayloadType = "encrypted"
	PayloadTypeReset     PayloadType = "reset"
)

var (
	ErrInvalidPayloadType = errors.New("envelope: invalid payload type")
	ErrNoRecipients       = errors.New("envelope: message has no recipients")
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
}

func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(b []byte, v interface{}) error {
	return cbor.Unmarshal(b, v)
}

type PayloadContainer struct {
	Type PayloadType `cbor:"t"`
	Data []byte      `cbor:"d"`
}

// EncryptedPayloadContainer is the payload of an encrypted envelope. Ciphertext is the payload sealed under a
// message key and EncryptedKey is that key encrypted for one recipient's conversation.
type EncryptedPayloadContainer struct {
	Ciphertext   []byte `cbor:"c"`
	EncryptedKey []byte `cbor:"k"`
}

// Decode unwraps an encrypted container.
func (pc *PayloadContainer) Decode() (*EncryptedPayloadContainer, error) {
	if pc.Type != PayloadTypeEncrypted {
		return nil, fmt.Errorf("%w: expected %s got %s", ErrInvalidPayloadType, PayloadTypeEncrypted, pc.Type)
	}
	epc := &EncryptedPayloadContainer{}
	if err := Unmarshal(pc.Data, epc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayloadType, err)
	}
	return epc, nil
}

func NewEncryptedContainer(epc *EncryptedPayloadContainer) (*PayloadContainer, error) {
	b, err := Marshal(epc)
	if err != nil {
		return nil, err
	}
	return &PayloadContainer{Type: PayloadTypeEncrypted, Data: b}, nil
}

// RatchetMessage is a ratchet step's output as carried in EncryptedKey.
type RatchetMessage struct {
	DH         []byte `cbor:"dh"`
	N          uint32 `cbor:"n"`
	PN         uint32 `cbor:"pn"`
	Ciphertext []byte `cbor:"c"`
}

type Certificate struct {
	UserID string `cbor:"u"`
	Raw    []byte `cbor:"r,omitempty"`
}

// Invitation lets a responder derive the initiator's conversation. SignedPrekey and OneTimePrekey name the
// responder keys the initiator used.
type Invitation struct {
	IdentityKey   [32]byte  `cbor:"ik"`
	EphemeralKey  [32]byte  `cbor:"ek"`
	SignedPrekey  [32]byte  `cbor:"spk"`
	OneTimePrekey *[32]byte `cbor:"otpk,omitempty"`
}

func (i *Invitation) Equal(o *Invitation) bool {
	if i == nil || o == nil {
		return i == o
	}
	if i.IdentityKey != o.IdentityKey || i.EphemeralKey != o.EphemeralKey || i.SignedPrekey != o.SignedPrekey {
		return false
	}
	if i.OneTimePrekey == nil || o.OneTimePrekey == nil {
		return i.OneTimePrekey == o.OneTimePrekey
	}
	return bytes.Equal(i.OneTimePrekey[:], o.OneTimePrekey[:])
}

type Envelope struct {
	ID                  uuid.UUID         `cbor:"id"`
	SenderID            string            `cbor:"s"`
	Timestamp           time.Time         `cbor:"ts"`
	CollapseID          string            `cbor:"cid,omitempty"`
	SenderCertificate   *Certificate      `cbor:"sc,omitempty"`
	ReceiverCertificate *Certificate      `cbor:"rc,omitempty"`
	Invitation          *Invitation       `cbor:"inv,omitempty"`
	Payload             *PayloadContainer `cbor:"p"`
}

// Metadata is everything about an envelope except its payload.
type Metadata struct {
	ID                  uuid.UUID
	SenderID            string
	Timestamp           time.Time
	CollapseID          string
	SenderCertificate   *Certificate
	ReceiverCertificate *Certificate
	Invitation          *Invitation
	Authenticated       bool
}

// Collapsing reports whether this traffic supersedes earlier traffic with the same collapse id.
func (m *Metadata) Collapsing() bool {
	return m.CollapseID != ""
}

// Bundle is a payload together with what is known about where it came from.
type Bundle struct {
	Container *PayloadContainer
	Meta      Metadata
}

func (e *Envelope) Metadata() Metadata {
	return Metadata{
		ID:                  e.ID,
		SenderID:            e.SenderID,
		Timestamp:           e.Timestamp,
		CollapseID:          e.CollapseID,
		SenderCertificate:   e.SenderCertificate,
		ReceiverCertificate: e.ReceiverCertificate,
		Invitation:          e.Invitation,
	}
}

func (e *Envelope) Bundle() *Bundle {
	return &Bundle{Container: e.Payload, Meta: e.Metadata()}
}

// SealPayload encrypts a container under a fresh message key bound to the sender.
func SealPayload(pc *PayloadContainer, senderID string) (ciphertext, key []byte, err error) {
	b, err := Marshal(pc)
	if err != nil {
		return nil, nil, err
	}
	key, err = crypto.NewKey()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = crypto.Seal(key, b, []byte(senderID))
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, key, nil
}

func OpenPayload(ciphertext, key []byte, senderID string) (*PayloadContainer, error) {
	b, err := crypto.Open(key, ciphertext, []byte(senderID))
	if err != nil {
		return nil, err
	}
	pc := &PayloadContainer{}
	if err := Unmarshal(b, pc); err != nil {
		return nil, fmt.Errorf("envelope: error decoding payload: %w", err)
	}
	return pc, nil
}
