package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecoflow-bridge/internal/device"
	"ecoflow-bridge/internal/mqtt"
	"ecoflow-bridge/internal/rest"
	"ecoflow-bridge/internal/signer"
	"ecoflow-bridge/internal/store"
)

// ErrUnknownDevice is returned for operations against a serial number the
// coordinator is not tracking.
var ErrUnknownDevice = errors.New("unknown device")

// UnsupportedDeviceError reports an enumerated product the bridge has no
// state model for. Enumeration logs and skips these; they are never fatal.
type UnsupportedDeviceError struct {
	SN      string
	Product string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported device %s (%s)", e.SN, e.Product)
}

// API is the slice of the REST gateway the coordinator depends on.
type API interface {
	ListDevices(ctx context.Context) ([]rest.DeviceEntry, error)
	FetchCertification(ctx context.Context) (*rest.Certification, error)
	QuotaAll(ctx context.Context, sn string) (map[string]any, error)
	SetQuota(ctx context.Context, params *signer.Params) error
}

// Broker is the slice of the MQTT session the coordinator depends on.
type Broker interface {
	mqtt.Publisher
	Connect(ctx context.Context) error
	Close()
	SubscribeDevice(sn string) (<-chan mqtt.InboundMessage, error)
	UnsubscribeDevice(sn string)
	OnCommandReply(fn func(device.CommandResponse))
}

// Commander matches outbound MQTT commands with their asynchronous replies.
type Commander interface {
	SendAwait(ctx context.Context, cmd device.Command) (device.CommandResponse, error)
	Resolve(resp device.CommandResponse) bool
	Close()
}

// Config holds coordinator configuration.
type Config struct {
	// CommandTimeout bounds SendCommand when the caller's context carries
	// no deadline of its own.
	CommandTimeout time.Duration
}

// Coordinator wires the REST gateway, the MQTT session and the per-device
// state models together and exposes the unified fleet to consumers. It is
// the exclusive owner of every device.State: all writes go through the
// per-device consumer goroutine or the snapshot path, never through
// callers directly.
type Coordinator struct {
	api    API
	store  store.Store
	events *EventBus
	logger *slog.Logger
	config Config

	// Factories, replaceable in tests.
	newBroker    func(cfg mqtt.SessionConfig, logger *slog.Logger) Broker
	newCommander func(pub mqtt.Publisher, logger *slog.Logger) Commander

	broker    Broker
	commander Commander
	session   *store.Session

	mu      sync.RWMutex
	devices map[string]device.Device

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator; mainly used to swap the transport
// implementations in tests.
type Option func(*Coordinator)

// WithBrokerFactory replaces how broker sessions are built.
func WithBrokerFactory(f func(cfg mqtt.SessionConfig, logger *slog.Logger) Broker) Option {
	return func(c *Coordinator) { c.newBroker = f }
}

// WithCommanderFactory replaces how command correlators are built.
func WithCommanderFactory(f func(pub mqtt.Publisher, logger *slog.Logger) Commander) Option {
	return func(c *Coordinator) { c.newCommander = f }
}

// New creates a coordinator over the given gateway and store.
func New(api API, st store.Store, events *EventBus, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:    api,
		store:  st,
		events: events,
		logger: logger.With("component", "coordinator"),
		config: cfg,
		newBroker: func(cfg mqtt.SessionConfig, logger *slog.Logger) Broker {
			return mqtt.NewSession(cfg, logger)
		},
		newCommander: func(pub mqtt.Publisher, logger *slog.Logger) Commander {
			return mqtt.NewCorrelator(pub, logger)
		},
		devices: make(map[string]device.Device),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start logs in, connects the broker and enumerates the account's devices.
// A persisted MQTT grant is reused when present; if the broker rejects it,
// the grant is discarded and fresh credentials are fetched once.
func (c *Coordinator) Start(ctx context.Context) error {
	sess, stored, err := c.establishSession(ctx)
	if err != nil {
		return err
	}

	if err := c.connect(ctx, sess); err != nil {
		if !stored {
			return err
		}
		c.logger.Warn("stored session rejected, refreshing credentials", "err", err)
		if derr := c.store.DeleteSession(); derr != nil {
			c.logger.Error("discard stored session", "err", derr)
		}
		if sess, _, err = c.establishSession(ctx); err != nil {
			return err
		}
		if err := c.connect(ctx, sess); err != nil {
			return err
		}
	}

	c.session = sess
	c.events.Emit(Event{Type: EventSessionState, Data: "connected"})
	return c.enumerate(ctx)
}

// establishSession returns the MQTT access grant to connect with, preferring
// a persisted one. The stored flag reports whether the grant was recovered
// from the store (and may therefore be stale).
func (c *Coordinator) establishSession(ctx context.Context) (sess *store.Session, stored bool, err error) {
	sess, err = c.store.GetSession()
	if err == nil {
		c.logger.Info("reusing stored MQTT session", "username", sess.Username, "issued", sess.IssuedAt)
		return sess, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("read stored session", "err", err)
	}

	cert, err := c.api.FetchCertification(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch certification: %w", err)
	}
	port, err := strconv.Atoi(cert.Port)
	if err != nil {
		return nil, false, fmt.Errorf("certification port %q: %w", cert.Port, err)
	}

	sess = &store.Session{
		URL:      cert.URL,
		Port:     port,
		Protocol: cert.Protocol,
		Username: cert.Account,
		Password: cert.Password,
		ClientID: "ecoflow-bridge-" + uuid.NewString(),
		IssuedAt: time.Now(),
	}
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("persist session", "err", err)
	}
	c.logger.Info("MQTT session issued", "username", sess.Username)
	return sess, false, nil
}

// connect builds a broker session and correlator for the grant and opens
// the connection.
func (c *Coordinator) connect(ctx context.Context, sess *store.Session) error {
	broker := c.newBroker(mqtt.SessionConfig{
		URL:      sess.URL,
		Port:     sess.Port,
		Protocol: sess.Protocol,
		Username: sess.Username,
		Password: sess.Password,
		ClientID: sess.ClientID,
	}, c.logger)
	commander := c.newCommander(broker, c.logger)

	broker.OnCommandReply(func(resp device.CommandResponse) {
		matched := commander.Resolve(resp)
		c.events.Emit(Event{Type: EventCommandResult, Data: map[string]any{
			"id":           resp.ID,
			"code":         resp.Code,
			"acknowledged": resp.Acknowledged(),
			"matched":      matched,
		}})
	})

	if err := broker.Connect(ctx); err != nil {
		commander.Close()
		broker.Close()
		return fmt.Errorf("broker connect: %w", err)
	}

	c.broker = broker
	c.commander = commander
	return nil
}

// enumerate fetches the account's device list and adopts every supported
// device. Unsupported products and per-device snapshot failures are logged
// and skipped; only the list fetch itself is fatal.
func (c *Coordinator) enumerate(ctx context.Context) error {
	entries, err := c.api.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	c.logger.Info("devices enumerated", "count", len(entries))

	for _, entry := range entries {
		if err := c.AddDevice(ctx, entry); err != nil {
			var unsup *UnsupportedDeviceError
			if errors.As(err, &unsup) {
				c.logger.Warn("skipping unsupported device", "sn", unsup.SN, "product", unsup.Product)
				continue
			}
			c.logger.Error("adopt device", "sn", entry.SN, "err", err)
		}
	}
	return nil
}

// AddDevice adopts one enumerated device: builds its state model, applies
// an initial snapshot, subscribes its topics and starts its consumer
// goroutine. Returns *UnsupportedDeviceError for products without a state
// model.
func (c *Coordinator) AddDevice(ctx context.Context, entry rest.DeviceEntry) error {
	if entry.ProductName != device.ProductSmartHomePanel {
		return &UnsupportedDeviceError{SN: entry.SN, Product: entry.ProductName}
	}

	c.mu.RLock()
	_, exists := c.devices[entry.SN]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	panel := device.NewSmartHomePanel(entry.SN, entry.DeviceName, entry.Online == 1, c.logger)

	snapshot, err := c.api.QuotaAll(ctx, entry.SN)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", entry.SN, err)
	}
	if err := panel.ApplySnapshot(snapshot); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", entry.SN, err)
	}

	ch, err := c.broker.SubscribeDevice(entry.SN)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", entry.SN, err)
	}

	c.mu.Lock()
	c.devices[entry.SN] = panel
	c.mu.Unlock()

	c.persistDevice(entry)

	c.wg.Add(1)
	go c.consume(panel, ch)

	c.logger.Info("device adopted", "sn", entry.SN, "name", entry.DeviceName, "online", panel.Online())
	c.events.Emit(Event{Type: EventDeviceUpdate, Data: map[string]any{"sn": entry.SN}})
	c.events.Emit(Event{Type: EventDeviceOnline, Data: map[string]any{"sn": entry.SN, "online": panel.Online()}})
	return nil
}

// RemoveDevice drops a tracked device: unsubscribes its topics (ending the
// consumer goroutine) and deletes its persisted metadata.
func (c *Coordinator) RemoveDevice(sn string) error {
	c.mu.Lock()
	_, ok := c.devices[sn]
	delete(c.devices, sn)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, sn)
	}

	c.broker.UnsubscribeDevice(sn)
	if err := c.store.DeleteDevice(sn); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("delete device record", "sn", sn, "err", err)
	}
	c.logger.Info("device removed", "sn", sn)
	c.events.Emit(Event{Type: EventDeviceUpdate, Data: map[string]any{"sn": sn, "removed": true}})
	return nil
}

// consume drains one device's inbound channel. This goroutine is the only
// writer of the device's state besides the snapshot path, which callers
// serialize through Refresh.
func (c *Coordinator) consume(dev device.Device, ch <-chan mqtt.InboundMessage) {
	defer c.wg.Done()
	for msg := range ch {
		if msg.Suffix != mqtt.SuffixQuota {
			continue
		}
		if err := dev.ApplyDelta(msg.Payload); err != nil {
			c.logger.Warn("apply delta", "sn", dev.SN(), "err", err)
			continue
		}
		c.events.Emit(Event{Type: EventDeviceUpdate, Data: map[string]any{"sn": dev.SN()}})
	}
	c.logger.Debug("consumer stopped", "sn", dev.SN())
}

// Refresh re-fetches one device's full snapshot and rebuilds its state.
// A failed fetch marks the device offline without touching its last known
// state.
func (c *Coordinator) Refresh(ctx context.Context, sn string) error {
	dev, ok := c.Device(sn)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, sn)
	}

	snapshot, err := c.api.QuotaAll(ctx, sn)
	if err != nil {
		if dev.Online() {
			dev.SetOnline(false)
			c.events.Emit(Event{Type: EventDeviceOnline, Data: map[string]any{"sn": sn, "online": false}})
		}
		return fmt.Errorf("snapshot %s: %w", sn, err)
	}
	if err := dev.ApplySnapshot(snapshot); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", sn, err)
	}

	if !dev.Online() {
		dev.SetOnline(true)
		c.events.Emit(Event{Type: EventDeviceOnline, Data: map[string]any{"sn": sn, "online": true}})
	}
	c.touchDevice(sn)
	c.events.Emit(Event{Type: EventDeviceUpdate, Data: map[string]any{"sn": sn}})
	return nil
}

// RefreshAll re-snapshots every tracked device. Per-device failures are
// logged and do not stop the sweep.
func (c *Coordinator) RefreshAll(ctx context.Context) {
	for _, dev := range c.Devices() {
		if err := c.Refresh(ctx, dev.SN()); err != nil {
			c.logger.Warn("refresh failed", "sn", dev.SN(), "err", err)
		}
	}
}

// SendCommand routes a command to its transport. The MQTT path waits for a
// device acknowledgement; the HTTP path is fire-and-forget, a nil error
// only means the vendor accepted the request.
func (c *Coordinator) SendCommand(ctx context.Context, cmd device.Command, target device.CommandTarget) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	switch target {
	case device.TargetMQTT:
		resp, err := c.commander.SendAwait(ctx, cmd)
		if err != nil {
			return err
		}
		if !resp.Acknowledged() {
			return fmt.Errorf("command %d rejected: sta=%d ack=%d", cmd.ID(), resp.Data.Sta, resp.Data.Ack)
		}
		c.applyCommandEffect(cmd)
		return nil
	case device.TargetHTTP:
		params := new(signer.Params).
			Add("sn", cmd.SN()).
			Add("cmdSet", strconv.Itoa(cmd.CmdSet())).
			Add("id", strconv.Itoa(cmd.CmdID()))
		extra := cmd.Params()
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			params.Add(k, fmt.Sprint(extra[k]))
		}
		if err := c.api.SetQuota(ctx, params); err != nil {
			return fmt.Errorf("command %d: %w", cmd.ID(), err)
		}
		c.applyCommandEffect(cmd)
		return nil
	default:
		return fmt.Errorf("unknown command target %q", target)
	}
}

// applyCommandEffect writes a command's declared field value once the
// device accepted it, so switches and selects flip immediately instead of
// waiting for the next delta or snapshot to report the new value back.
func (c *Coordinator) applyCommandEffect(cmd device.Command) {
	domain, key, value, ok := cmd.StateEffect()
	if !ok {
		return
	}
	dev, found := c.Device(cmd.SN())
	if !found {
		return
	}
	if dev.State().Update(domain, key, value) {
		c.events.Emit(Event{Type: EventDeviceUpdate, Data: map[string]any{"sn": cmd.SN()}})
	}
}

// persistDevice records device metadata, preserving FirstSeen across
// restarts.
func (c *Coordinator) persistDevice(entry rest.DeviceEntry) {
	now := time.Now()
	rec := &store.Device{
		SN:          entry.SN,
		Name:        entry.DeviceName,
		ProductName: entry.ProductName,
		Online:      entry.Online == 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if prev, err := c.store.GetDevice(entry.SN); err == nil && !prev.FirstSeen.IsZero() {
		rec.FirstSeen = prev.FirstSeen
	}
	if err := c.store.SaveDevice(rec); err != nil {
		c.logger.Error("persist device", "sn", entry.SN, "err", err)
	}
}

// touchDevice bumps the persisted LastSeen timestamp.
func (c *Coordinator) touchDevice(sn string) {
	rec, err := c.store.GetDevice(sn)
	if err != nil {
		return
	}
	rec.LastSeen = time.Now()
	if err := c.store.SaveDevice(rec); err != nil {
		c.logger.Error("persist device", "sn", sn, "err", err)
	}
}

// Device returns a tracked device by serial number.
func (c *Coordinator) Device(sn string) (device.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[sn]
	return dev, ok
}

// Devices returns all tracked devices ordered by serial number.
func (c *Coordinator) Devices() []device.Device {
	c.mu.RLock()
	devs := make([]device.Device, 0, len(c.devices))
	for _, d := range c.devices {
		devs = append(devs, d)
	}
	c.mu.RUnlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].SN() < devs[j].SN() })
	return devs
}

// Session returns the active MQTT access grant, or nil before Start.
func (c *Coordinator) Session() *store.Session {
	return c.session
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Stop tears the session down and waits for all consumer goroutines.
func (c *Coordinator) Stop() {
	c.cancel()
	if c.commander != nil {
		c.commander.Close()
	}
	if c.broker != nil {
		c.broker.Close()
	}
	c.wg.Wait()
	c.events.Emit(Event{Type: EventSessionState, Data: "stopped"})
}
