package heya

import (
	"context"
	"time"

	heya_client "github.com/meow-io/heya/client"
)

// event is a notification from a heya server. Seq is the sequence number the next message on the token will
// get, so messages below it are waiting.
type event struct {
	token     [32]byte
	seq       uint64
	doneIntro bool
}

// client is the part of a heya connection the manager uses.
type client interface {
	Connect(ctx context.Context) error
	Register(ctx context.Context, authToken string) error
	MakeSendToken(ctx context.Context, start, end time.Time) ([]byte, error)
	Want(ctx context.Context, token []byte, seq uint64) ([]byte, error)
	Trim(ctx context.Context, token []byte, seq uint64) error
	Send(ctx context.Context, token, body []byte) error
	Events(ctx context.Context) <-chan *event
	Credentials() (privateKeyPKCS1, cert []byte)
	Close()
}

// dialer makes a client. Empty credentials mean a new identity on the server.
type dialer func(host string, port int, privateKeyPKCS1, cert []byte, onState func(int)) (client, error)

type heyaClient struct {
	*heya_client.Client
}

func dialHeya(host string, port int, privateKeyPKCS1, cert []byte, onState func(int)) (client, error) {
	conf := &heya_client.Config{
		Host:            host,
		Port:            port,
		Reconnect:       true,
		Ping:            true,
		NewState:        onState,
		Debug:           false,
		PrivateKeyPKCS1: privateKeyPKCS1,
		Cert:            cert,
	}
	var (
		c   *heya_client.Client
		err error
	)
	if len(privateKeyPKCS1) == 0 {
		c, err = heya_client.NewClient(conf)
	} else {
		c, err = heya_client.NewClientFromKey(conf)
	}
	if err != nil {
		return nil, err
	}
	return &heyaClient{c}, nil
}

func (hc *heyaClient) Register(ctx context.Context, authToken string) error {
	_, err := hc.Client.RegisterIncoming(ctx, authToken)
	return err
}

func (hc *heyaClient) Want(ctx context.Context, token []byte, seq uint64) ([]byte, error) {
	message, err := hc.Client.Want(ctx, token, seq)
	if err != nil || message == nil {
		return nil, err
	}
	return message.Body, nil
}

func (hc *heyaClient) Trim(ctx context.Context, token []byte, seq uint64) error {
	_, err := hc.Client.Trim(ctx, token, seq)
	return err
}

func (hc *heyaClient) Events(ctx context.Context) <-chan *event {
	out := make(chan *event, 100)
	go func() {
		defer close(out)
		for {
			var ev *event
			select {
			case <-ctx.Done():
				return
			case n := <-hc.Client.Notifications():
				switch v := n.(type) {
				case *heya_client.Notification:
					ev = &event{token: [32]byte(v.Token), seq: v.Seq}
				case *heya_client.DoneIntro:
					ev = &event{doneIntro: true}
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out
}

func (hc *heyaClient) Credentials() ([]byte, []byte) {
	return hc.Client.PrivateKeyPKCS1, hc.Client.Certificate
}

func (hc *heyaClient) Close() {
	hc.Client.CloseWithoutReconnect()
}
