// Package mqttclient offers a synchronous façade over the channel
// engine: one TCP connection, driven by a reference selector, exposed
// as blocking Dial/Publish/Subscribe/Unsubscribe/Ping/Disconnect
// calls. It exists for callers that want request/response ergonomics
// instead of wiring a Handler themselves.
package mqttclient

import (
	"context"
	"net"
	"time"

	mqtt "github.com/qosmqtt/engine"
	"github.com/qosmqtt/engine/internal/reactor"
)

// Connecter establishes the network connection a Client runs over.
// See net.Dial for network & address syntax.
type Connecter func(ctx context.Context) (net.Conn, error)

// UnsecuredConnecter dials plain TCP (or any net.Dial network).
func UnsecuredConnecter(network, address string) Connecter {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

// Options configures a Client.
type Options struct {
	ClientID         string
	CleanSession     bool
	KeepAliveSec     uint16
	UserName         string
	Password         []byte
	ResendIntervalMS int64
	Stats            mqtt.StatsSink
}

// Client is a synchronous MQTT client built on one Channel, driven by
// an owned reactor.Reactor.
type Client struct {
	ch  *mqtt.Channel
	r   *reactor.Reactor
	ids *mqtt.IDAllocator
}

// Dial connects to addr via connect, completes the MQTT handshake, and
// returns a ready Client. The passed context bounds the network
// connect, the TCP-readiness wait and the ConnAck wait alike.
func Dial(ctx context.Context, connect Connecter, opts Options) (*Client, error) {
	conn, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Stats == nil {
		opts.Stats = mqtt.NewMemStats()
	}
	h := mqtt.NopHandler{}
	ch, connectCompletion := mqtt.NewOutgoingChannel(conn, mqtt.NewClientRole(), h, opts.Stats, opts.ResendIntervalMS)
	r := reactor.New(5*time.Millisecond, 250*time.Millisecond)
	if err := ch.Register(r, h); err != nil {
		conn.Close()
		return nil, err
	}
	ch.FinishConnect(nowMS(), nil)
	if _, err := connectCompletion.Await(ctx); err != nil {
		return nil, err
	}

	c := &Client{ch: ch, r: r, ids: mqtt.NewIDAllocator(0)}

	connAck := mqtt.NewCompletion()
	if err := ch.Send(mqtt.NewConnect(opts.ClientID, opts.CleanSession, opts.KeepAliveSec, opts.UserName, opts.Password, nil), connAck); err != nil {
		return nil, err
	}
	result, err := connAck.Await(ctx)
	if err != nil {
		return nil, err
	}
	ack := result.(*mqtt.Packet)
	if ack.ReturnCode != mqtt.Accepted {
		ch.Close(nil)
		return nil, &ConnectError{Code: ack.ReturnCode}
	}
	return c, nil
}

// ConnectError wraps a non-accepted ConnAck return code.
type ConnectError struct {
	Code mqtt.ConnectReturnCode
}

func (e *ConnectError) Error() string { return "mqtt: connect refused: " + e.Code.String() }

// Channel exposes the underlying Channel so a caller that needs
// inbound message delivery can install its own Handler via Register.
func (c *Client) Channel() *mqtt.Channel { return c.ch }

// Publish sends a message at the given QoS, blocking until it is
// acknowledged (QoS 1/2) or fully drained (QoS 0).
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	var id uint16
	if qos >= 1 {
		reserved, ok := c.ids.Reserve()
		if !ok {
			return mqtt.ErrConfig
		}
		id = reserved
	}
	completion := mqtt.NewCompletion()
	p := mqtt.NewPublish(id, topic, payload, qos, retain, false)
	if err := c.ch.Send(p, completion); err != nil {
		return err
	}
	_, err := completion.Await(ctx)
	if qos >= 1 {
		c.ids.Free(id)
	}
	return err
}

// Subscribe requests the given filters at the given QoS levels,
// blocking until SubAck arrives. It returns the granted QoS per
// filter, in request order.
func (c *Client) Subscribe(ctx context.Context, filters []string, qos []byte) ([]byte, error) {
	id, ok := c.ids.Reserve()
	if !ok {
		return nil, mqtt.ErrConfig
	}
	defer c.ids.Free(id)

	completion := mqtt.NewCompletion()
	if err := c.ch.Send(mqtt.NewSubscribe(id, filters, qos, false), completion); err != nil {
		return nil, err
	}
	result, err := completion.Await(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*mqtt.Packet).ReturnCodes, nil
}

// Unsubscribe removes the given filters, blocking until UnsubAck
// arrives.
func (c *Client) Unsubscribe(ctx context.Context, filters []string) error {
	id, ok := c.ids.Reserve()
	if !ok {
		return mqtt.ErrConfig
	}
	defer c.ids.Free(id)

	completion := mqtt.NewCompletion()
	if err := c.ch.Send(mqtt.NewUnsubscribe(id, filters, false), completion); err != nil {
		return err
	}
	_, err := completion.Await(ctx)
	return err
}

// Ping sends PingReq and blocks until it fully drains to the socket.
func (c *Client) Ping(ctx context.Context) error {
	completion := mqtt.NewCompletion()
	if err := c.ch.Send(mqtt.NewPingReq(), completion); err != nil {
		return err
	}
	_, err := completion.Await(ctx)
	return err
}

// Disconnect sends Disconnect and waits for the channel to close
// cleanly.
func (c *Client) Disconnect(ctx context.Context) error {
	completion := mqtt.NewCompletion()
	if err := c.ch.Send(mqtt.NewDisconnect(), completion); err != nil {
		return err
	}
	_, err := completion.Await(ctx)
	return err
}

// Close tears the underlying channel down immediately, without a
// graceful Disconnect exchange.
func (c *Client) Close() error {
	c.ch.Close(nil)
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }
