// Package mqtt owns the broker session for one EcoFlow account: the
// connection lifecycle, per-device topic subscriptions, inbound dispatch,
// and the command/response correlator layered on top of the asynchronous
// transport.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ecoflow-bridge/internal/device"
)

// SessionConfig holds the broker access grant issued by the certification
// endpoint. ClientID must be globally unique per process; it is generated
// on fresh login and reused across reconnects.
type SessionConfig struct {
	URL      string `json:"url"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

// BrokerURL renders the paho broker address, e.g. "mqtts://host:8883".
func (c SessionConfig) BrokerURL() string {
	proto := c.Protocol
	if proto == "" {
		proto = "mqtts"
	}
	return proto + "://" + c.URL + ":" + strconv.Itoa(c.Port)
}

// InboundMessage is one decoded-enough telemetry message: topic routing is
// resolved, payload interpretation is left to the device state model.
type InboundMessage struct {
	SN      string
	Suffix  string
	Payload []byte
}

// Session is the single broker connection shared by all of an account's
// devices. Clean-session semantics: the broker forgets subscriptions on
// reconnect, so the OnConnect handler re-subscribes every tracked device.
type Session struct {
	cfg    SessionConfig
	client pahomqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	inbound map[string]chan InboundMessage // sn -> per-device delivery channel
	onReply func(device.CommandResponse)
	dropped uint64
}

// NewSession prepares a session for the given access grant. Connect must
// be called before any subscribe or publish.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		logger:  logger.With("component", "mqtt"),
		inbound: make(map[string]chan InboundMessage),
	}
}

// Username returns the broker account name used in topic paths.
func (s *Session) Username() string { return s.cfg.Username }

// OnCommandReply registers the handler invoked for every parsed set_reply
// message. Must be set before Connect.
func (s *Session) OnCommandReply(fn func(device.CommandResponse)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReply = fn
}

// Connect establishes the TLS broker connection and starts the network
// loop. The broker certificate is validated against system roots; no
// client certificate is presented.
func (s *Session) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL()).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(15 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			s.logger.Info("broker connected", "broker", s.cfg.URL)
			s.resubscribeAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.logger.Warn("broker connection lost", "err", err)
		}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
			s.dispatch(msg.Topic(), msg.Payload())
		})

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()

	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker and closes all per-device channels.
func (s *Session) Close() {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sn, ch := range s.inbound {
		close(ch)
		delete(s.inbound, sn)
	}
	s.logger.Info("session closed")
}

// SubscribeDevice subscribes to a device's quota and set_reply topics and
// returns the channel its telemetry will be delivered on. The session
// only routes messages; it never owns device state.
func (s *Session) SubscribeDevice(sn string) (<-chan InboundMessage, error) {
	s.mu.Lock()
	ch, exists := s.inbound[sn]
	if !exists {
		ch = make(chan InboundMessage, 32)
		s.inbound[sn] = ch
	}
	s.mu.Unlock()

	if err := s.subscribeTopics(sn); err != nil {
		return nil, err
	}
	return ch, nil
}

// UnsubscribeDevice stops routing for a device and closes its channel.
func (s *Session) UnsubscribeDevice(sn string) {
	s.mu.Lock()
	ch, ok := s.inbound[sn]
	if ok {
		delete(s.inbound, sn)
		close(ch)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.client != nil {
		topics := []string{
			DeviceTopic(s.cfg.Username, sn, SuffixQuota),
			DeviceTopic(s.cfg.Username, sn, SuffixSetReply),
		}
		s.client.Unsubscribe(topics...)
	}
}

func (s *Session) subscribeTopics(sn string) error {
	topics := map[string]byte{
		DeviceTopic(s.cfg.Username, sn, SuffixQuota):    1,
		DeviceTopic(s.cfg.Username, sn, SuffixSetReply): 1,
	}
	token := s.client.SubscribeMultiple(topics, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		s.dispatch(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe timeout for %s", sn)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", sn, err)
	}
	s.logger.Info("device subscribed", "sn", sn)
	return nil
}

// resubscribeAll restores every tracked device's subscriptions after a
// clean-session reconnect, since the broker forgets them.
func (s *Session) resubscribeAll() {
	s.mu.Lock()
	sns := make([]string, 0, len(s.inbound))
	for sn := range s.inbound {
		sns = append(sns, sn)
	}
	s.mu.Unlock()

	for _, sn := range sns {
		if err := s.subscribeTopics(sn); err != nil {
			s.logger.Error("resubscribe failed", "sn", sn, "err", err)
		}
	}
}

// Publish sends a payload with fire-and-forget semantics: delivery
// failures are logged, not returned.
func (s *Session) Publish(topic string, payload []byte) error {
	if s.client == nil {
		return fmt.Errorf("session not connected")
	}
	token := s.client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			s.logger.Warn("publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			s.logger.Warn("publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

// dispatch routes one inbound message. set_reply payloads resolve pending
// commands; quota payloads go to the owning device's channel. Malformed
// payloads are logged and dropped, never fatal. Runs on the network
// goroutine, so channel sends must not block: when a device's channel is
// full the oldest pending delta is discarded in favor of the new one.
func (s *Session) dispatch(topic string, payload []byte) {
	sn, suffix, ok := ParseDeviceTopic(topic)
	if !ok {
		s.logger.Debug("unrecognized topic", "topic", topic)
		return
	}

	if suffix == SuffixSetReply {
		resp, err := device.ParseCommandResponse(payload)
		if err != nil {
			s.logger.Warn("malformed command reply", "sn", sn, "err", err)
			return
		}
		s.mu.Lock()
		fn := s.onReply
		s.mu.Unlock()
		if fn != nil {
			fn(resp)
		}
		return
	}

	// Hold the lock across delivery so the channel cannot be closed by an
	// unsubscribe between lookup and send. All sends are non-blocking.
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.inbound[sn]
	if !ok {
		s.logger.Debug("message for untracked device", "sn", sn)
		return
	}

	msg := InboundMessage{SN: sn, Suffix: suffix, Payload: payload}
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
			s.dropped++
			s.logger.Debug("device channel full, dropped oldest", "sn", sn)
		default:
		}
	}
}
