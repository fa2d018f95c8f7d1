package mailbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"go.uber.org/zap"
)

// ResetSender tells peers that a conversation was replaced. It only needs a Sender, so it can be built before
// the conversation manager that calls it.
type ResetSender struct {
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
	sender Sender
}

func NewResetSender(c *config.Config, cl clock.Clock, sender Sender) *ResetSender {
	return &ResetSender{
		log:    c.Logger("mailbox:reset"),
		config: c,
		clock:  cl,
		sender: sender,
	}
}

// SendResetReply tells peer to drop traffic from the old conversation. inv is the invitation to the
// conversation that replaces it, if we started one.
func (rs *ResetSender) SendResetReply(ctx context.Context, peer string, receiverCert, senderCert *envelope.Certificate, collapseID string, inv *envelope.Invitation) error {
	if receiverCert == nil {
		receiverCert = &envelope.Certificate{UserID: peer}
	}
	rs.log.Debugf("sending reset to %s", peer)
	return rs.send(ctx, receiverCert, senderCert, collapseID, inv)
}

func (rs *ResetSender) send(ctx context.Context, to, senderCert *envelope.Certificate, collapseID string, inv *envelope.Invitation) error {
	return rs.sender.PostMessage(ctx, &envelope.OutgoingMessage{
		ID:          uuid.New(),
		SenderID:    rs.config.UserID,
		Timestamp:   rs.clock.Now(),
		Type:        envelope.PayloadTypeReset,
		Certificate: senderCert,
		Recipients:  []*envelope.Recipient{{Certificate: to, Invitation: inv}},
		Priority:    envelope.PriorityHigh,
		CollapseID:  collapseID,
	})
}
