package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// subscription is one topic filter with its QoS.
type subscription struct {
	Topic string
	QoS   byte
}

// refusedSub is a filter the broker declined, with the SUBACK reason
// code it gave (0x80 or above).
type refusedSub struct {
	subscription
	Reason byte
}

// session is the part of a live broker connection the subscriber uses.
// The autopaho implementation is [pahoSession]; tests substitute a fake.
type session interface {
	// Subscribe issues subs as one request. If the broker answers but
	// declines some filters, those come back with a non-nil error. If
	// the request got no usable answer, refused is nil and err is set.
	Subscribe(ctx context.Context, subs []subscription) (refused []refusedSub, err error)
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// dialOptions is everything the transport needs to connect.
type dialOptions struct {
	brokerURL    string
	tls          bool
	clientID     string
	username     string
	password     string
	keepAliveSec uint16
	willTopic    string
	willPayload  []byte
}

// transportHooks are invoked by the transport. onUp runs after every
// successful connect, including reconnects, and receives a session
// bound to that connection.
type transportHooks struct {
	onUp           func(s session)
	onConnectError func(err error)
	onDown         func(err error)
	onMessage      func(topic string, payload []byte)
}

// transport is a running connection that reconnects on its own.
type transport interface {
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Done() <-chan struct{}
}

// dialFunc starts a transport. It must not block on the network.
type dialFunc func(ctx context.Context, o dialOptions, h transportHooks) (transport, error)

// dialAutopaho starts an autopaho connection manager. Every connection,
// including the first, uses a clean start with no session expiry, so
// the broker keeps no subscriptions for us and onUp must re-issue them.
func dialAutopaho(ctx context.Context, o dialOptions, h transportHooks) (transport, error) {
	brokerURL, err := url.Parse(o.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     o.keepAliveSec,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ConnectUsername:               o.username,
		WillMessage: &paho.WillMessage{
			Topic:   o.willTopic,
			Payload: o.willPayload,
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			h.onUp(pahoSession{cm: cm})
		},
		OnConnectError: h.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID: o.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					h.onMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: h.onDown,
			OnServerDisconnect: func(d *paho.Disconnect) {
				h.onDown(fmt.Errorf("broker closed connection (reason code %d)", d.ReasonCode))
			},
		},
	}
	if o.password != "" {
		pahoCfg.ConnectPassword = []byte(o.password)
	}
	if o.tls || brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return cm, nil
}

// pahoSession adapts an autopaho connection manager to [session].
type pahoSession struct {
	cm *autopaho.ConnectionManager
}

// Subscribe maps SUBACK reason codes back to the filters. paho reports a
// partial refusal as an error alongside the Suback, in request order.
func (p pahoSession) Subscribe(ctx context.Context, subs []subscription) ([]refusedSub, error) {
	opts := make([]paho.SubscribeOptions, len(subs))
	for i, s := range subs {
		opts[i] = paho.SubscribeOptions{Topic: s.Topic, QoS: s.QoS}
	}
	sa, err := p.cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts})
	if err == nil {
		return nil, nil
	}
	if sa == nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return refusals(subs, sa.Reasons), fmt.Errorf("subscribe: %w", err)
}

// refusals pairs each failing reason code with its filter.
func refusals(subs []subscription, reasons []byte) []refusedSub {
	var out []refusedSub
	for i, code := range reasons {
		if code >= 0x80 && i < len(subs) {
			out = append(out, refusedSub{subscription: subs[i], Reason: code})
		}
	}
	return out
}

func (p pahoSession) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
