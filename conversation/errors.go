package conversation

import "errors"

var (
	// ErrInvalidConversation means the message cannot be decrypted in the current conversation and was dropped.
	ErrInvalidConversation = errors.New("conversation: invalid conversation")
	// ErrConversationResynced means the message was dropped and a fresh conversation is being negotiated.
	ErrConversationResynced = errors.New("conversation: conversation resynced")
	ErrNetwork              = errors.New("conversation: network error")
	ErrCrypto               = errors.New("conversation: crypto error")
	ErrNotFound             = errors.New("conversation: not found")
	ErrMissingCertificate   = errors.New("conversation: missing certificate")
)
