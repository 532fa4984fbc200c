package cast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	gocast "github.com/vishen/go-chromecast/cast"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const (
	defaultReplyTimeout = 10 * time.Second
	heartbeatInterval   = 5 * time.Second
	subscriberBuffer    = 16
)

var (
	errNotConnected = errors.New("not connected to a cast device")
	errNoReply      = errors.New("device did not answer in time")
)

// Client controls one cast device. It satisfies domain.DeviceController.
// Inbound messages are read by a background goroutine that only updates
// the status fields below and wakes waiters.
type Client struct {
	logger          domain.Logger
	browse          BrowseFunc
	dial            func() transport
	discoverTimeout time.Duration
	replyTimeout    time.Duration
	heartbeat       time.Duration

	mu             sync.Mutex
	t              transport
	stop           chan struct{}
	device         domain.DeviceDescriptor
	requestID      int
	statusSeen     int
	apps           []gocast.Application
	app            gocast.Application
	mediaSessionID int
	playerState    string
	changed        chan struct{}
	subs           map[string][]chan domain.ControlMessage
}

// NewClient creates a client that discovers devices over mDNS.
func NewClient(logger domain.Logger, discoverTimeout time.Duration) *Client {
	return &Client{
		logger:          logger,
		browse:          Browse,
		dial:            dialLibrary,
		discoverTimeout: discoverTimeout,
		replyTimeout:    defaultReplyTimeout,
		heartbeat:       heartbeatInterval,
		changed:         make(chan struct{}),
	}
}

// List browses for the discovery timeout and returns every device found.
func (c *Client) List(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.discoverTimeout)
	defer cancel()
	return c.browse(ctx)
}

// Discover selects a device and opens the control connection to it.
// An explicit address skips mDNS.
func (c *Client) Discover(ctx context.Context, sel domain.DeviceSelector) (domain.DeviceDescriptor, error) {
	c.mu.Lock()
	if c.t != nil {
		d := c.device
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	var devices []domain.DeviceDescriptor
	if sel.Address == "" {
		found, err := c.List(ctx)
		if ctx.Err() != nil {
			return domain.DeviceDescriptor{}, ctx.Err()
		}
		if err != nil {
			return domain.DeviceDescriptor{}, fmt.Errorf("%w: %w", domain.ErrDeviceNotFound, err)
		}
		devices = found
		c.logger.Info("discovery finished", "devices", len(devices))
	}

	d, err := selectDevice(devices, sel)
	if err != nil {
		return domain.DeviceDescriptor{}, err
	}
	if err := c.connect(d); err != nil {
		return domain.DeviceDescriptor{}, fmt.Errorf("%w: connect %s:%d: %w", domain.ErrDeviceNotFound, d.Address, d.Port, err)
	}
	c.logger.Info("connected to device", "name", d.Name, "address", d.Address, "port", d.Port)
	return d, nil
}

func (c *Client) connect(d domain.DeviceDescriptor) error {
	t := c.dial()
	if err := t.Start(d.Address, d.Port); err != nil {
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.t = t
	c.stop = stop
	c.device = d
	c.apps = nil
	c.app = gocast.Application{}
	c.mediaSessionID = 0
	c.playerState = ""
	c.subs = make(map[string][]chan domain.ControlMessage)
	c.mu.Unlock()

	go c.readLoop(t)
	go c.keepAlive(stop)

	if err := c.send(nsConnection, receiverID, headerOf(gocast.ConnectHeader)); err != nil {
		_ = c.Disconnect()
		return err
	}
	return nil
}

// LaunchReceiver quits whatever other application is running and starts
// appID, then attaches to its transport.
func (c *Client) LaunchReceiver(ctx context.Context, appID string) error {
	if err := c.refreshStatus(ctx); err != nil {
		return fmt.Errorf("receiver status: %w", err)
	}

	c.mu.Lock()
	running := c.runningApp()
	c.mu.Unlock()

	if running.AppId == appID {
		c.logger.Info("receiver already running", "app", appID)
		return c.attach(running)
	}
	if running.SessionId != "" {
		c.logger.Info("quitting running application", "app", running.AppId, "name", running.DisplayName)
		if err := c.send(nsReceiver, receiverID, stopApp(running.SessionId)); err != nil {
			c.logger.Warn("quit running application failed", "err", err)
		} else if err := c.waitFor(ctx, func() bool { return !c.hasSession(running.SessionId) }); err != nil {
			c.logger.Warn("running application did not stop", "app", running.AppId, "err", err)
		}
	}

	if err := c.send(nsReceiver, receiverID, launch(appID)); err != nil {
		return fmt.Errorf("launch %s: %w", appID, err)
	}
	var launched gocast.Application
	err := c.waitFor(ctx, func() bool {
		for _, a := range c.apps {
			if a.AppId == appID && a.TransportId != "" {
				launched = a
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("launch %s: %w", appID, err)
	}
	c.logger.Info("receiver launched", "app", appID, "session", launched.SessionId)
	return c.attach(launched)
}

// attach opens a virtual connection to the application's transport, which
// is required before media or custom namespace messages reach it.
func (c *Client) attach(a gocast.Application) error {
	c.mu.Lock()
	c.app = a
	c.mu.Unlock()
	return c.send(nsConnection, a.TransportId, headerOf(gocast.ConnectHeader))
}

// ControlChannel subscribes to messages on namespace. The channel is closed
// when ctx is done or the connection ends.
func (c *Client) ControlChannel(ctx context.Context, namespace string) (<-chan domain.ControlMessage, error) {
	c.mu.Lock()
	if c.t == nil {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	ch := make(chan domain.ControlMessage, subscriberBuffer)
	c.subs[namespace] = append(c.subs[namespace], ch)
	stop := c.stop
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		c.unsubscribe(namespace, ch)
	}()
	return ch, nil
}

func (c *Client) unsubscribe(namespace string, ch chan domain.ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[namespace]
	if i := slices.Index(subs, ch); i >= 0 {
		c.subs[namespace] = slices.Delete(subs, i, i+1)
		close(ch)
	}
}

// PlayMedia loads url on the attached application. When no application
// could be attached the default media receiver is launched first.
func (c *Client) PlayMedia(ctx context.Context, url, contentType string, live bool) error {
	c.mu.Lock()
	app := c.app
	c.mu.Unlock()

	if app.TransportId == "" {
		c.logger.Warn("no receiver application attached, using default media receiver", "app", DefaultMediaReceiver)
		if err := c.LaunchReceiver(ctx, DefaultMediaReceiver); err != nil {
			return err
		}
		c.mu.Lock()
		app = c.app
		c.mu.Unlock()
	}

	streamType := "BUFFERED"
	if live {
		streamType = "LIVE"
	}
	c.mu.Lock()
	c.playerState = ""
	c.mu.Unlock()

	c.logger.Info("loading stream", "url", url, "content_type", contentType, "stream_type", streamType)
	return c.send(nsMedia, app.TransportId, loadMedia(url, contentType, streamType))
}

// BlockUntilActive waits until the device reports the media as playing or
// buffering.
func (c *Client) BlockUntilActive(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.waitFor(ctx, func() bool {
		return c.playerState == "PLAYING" || c.playerState == "BUFFERING"
	})
}

// StopPlayback stops the current media session, if any.
func (c *Client) StopPlayback() error {
	c.mu.Lock()
	id, transportID := c.mediaSessionID, c.app.TransportId
	c.mediaSessionID = 0
	connected := c.t != nil
	c.mu.Unlock()

	if !connected || id == 0 || transportID == "" {
		return nil
	}
	return c.send(nsMedia, transportID, stopMedia(id))
}

// QuitApp stops the attached receiver application, if any.
func (c *Client) QuitApp() error {
	c.mu.Lock()
	sessionID := c.app.SessionId
	c.app = gocast.Application{}
	connected := c.t != nil
	c.mu.Unlock()

	if !connected || sessionID == "" {
		return nil
	}
	return c.send(nsReceiver, receiverID, stopApp(sessionID))
}

// Disconnect closes the virtual connections and the socket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	t := c.t
	if t == nil {
		c.mu.Unlock()
		return nil
	}
	c.t = nil
	close(c.stop)
	transportID, name := c.app.TransportId, c.device.Name
	c.mu.Unlock()

	if transportID != "" {
		_ = t.Send(c.nextRequestID(), headerOf(gocast.CloseHeader), senderID, transportID, nsConnection)
	}
	_ = t.Send(c.nextRequestID(), headerOf(gocast.CloseHeader), senderID, receiverID, nsConnection)

	if err := t.Close(); err != nil {
		return fmt.Errorf("close cast connection: %w", err)
	}
	c.logger.Info("disconnected from device", "name", name)
	return nil
}

func (c *Client) nextRequestID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++
	return c.requestID
}

func (c *Client) send(namespace, destination string, payload gocast.Payload) error {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()

	if t == nil {
		return errNotConnected
	}
	return t.Send(c.nextRequestID(), payload, senderID, destination, namespace)
}

func (c *Client) refreshStatus(ctx context.Context) error {
	c.mu.Lock()
	seen := c.statusSeen
	c.mu.Unlock()

	if err := c.send(nsReceiver, receiverID, headerOf(gocast.GetStatusHeader)); err != nil {
		return err
	}
	return c.waitFor(ctx, func() bool { return c.statusSeen > seen })
}

// waitFor blocks until cond holds, ctx is done or the reply timeout passes.
// cond runs with c.mu held.
func (c *Client) waitFor(ctx context.Context, cond func() bool) error {
	deadline := time.NewTimer(c.replyTimeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		ok := cond()
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errNoReply
		}
	}
}

// notify wakes every waiter. Caller holds c.mu.
func (c *Client) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// runningApp returns the first non-idle application. Caller holds c.mu.
func (c *Client) runningApp() gocast.Application {
	for _, a := range c.apps {
		if !a.IsIdleScreen {
			return a
		}
	}
	return gocast.Application{}
}

// hasSession reports whether a session is still listed. Caller holds c.mu.
func (c *Client) hasSession(sessionID string) bool {
	for _, a := range c.apps {
		if a.SessionId == sessionID {
			return true
		}
	}
	return false
}

func (c *Client) keepAlive(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(nsHeartbeat, receiverID, headerOf(pingHeader)); err != nil {
				c.logger.Debug("heartbeat failed", "err", err)
			}
		}
	}
}

func (c *Client) readLoop(t transport) {
	for env := range t.Messages() {
		c.handle(env)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ns, subs := range c.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(c.subs, ns)
	}
	c.app = gocast.Application{}
	c.notify()
}

func (c *Client) handle(env envelope) {
	switch env.Namespace {
	case nsHeartbeat:
		if messageType(env.Payload) == "PING" {
			if err := c.send(nsHeartbeat, env.Source, headerOf(gocast.PongHeader)); err != nil {
				c.logger.Debug("pong failed", "err", err)
			}
		}
	case nsReceiver:
		var msg gocast.ReceiverStatusResponse
		if err := json.Unmarshal([]byte(env.Payload), &msg); err != nil || msg.Type != "RECEIVER_STATUS" {
			return
		}
		c.mu.Lock()
		c.apps = msg.Status.Applications
		c.statusSeen++
		if c.app.SessionId != "" && !c.hasSession(c.app.SessionId) {
			c.logger.Info("receiver application closed", "app", c.app.AppId)
			c.app = gocast.Application{}
		}
		c.notify()
		c.mu.Unlock()
	case nsMedia:
		var msg gocast.MediaStatusResponse
		if err := json.Unmarshal([]byte(env.Payload), &msg); err != nil || msg.Type != "MEDIA_STATUS" || len(msg.Status) == 0 {
			return
		}
		st := msg.Status[0]
		c.mu.Lock()
		if st.MediaSessionId != 0 {
			c.mediaSessionID = st.MediaSessionId
		}
		if st.PlayerState != c.playerState {
			c.logger.Debug("player state", "state", st.PlayerState, "idle_reason", st.IdleReason)
		}
		c.playerState = st.PlayerState
		c.notify()
		c.mu.Unlock()
	case nsConnection:
		if messageType(env.Payload) != "CLOSE" {
			return
		}
		c.mu.Lock()
		if env.Source == c.app.TransportId {
			c.logger.Info("receiver closed the virtual connection", "transport", env.Source)
			c.app = gocast.Application{}
			c.notify()
		}
		c.mu.Unlock()
	default:
		c.deliver(env)
	}
}

// deliver fans a custom namespace message out to subscribers. Slow
// subscribers lose messages rather than stall the read loop.
func (c *Client) deliver(env envelope) {
	msg := domain.ControlMessage{Raw: env.Payload}
	if err := json.Unmarshal([]byte(env.Payload), &msg); err != nil {
		c.logger.Debug("control message is not JSON", "namespace", env.Namespace, "payload", env.Payload)
	}
	msg.Raw = env.Payload

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[env.Namespace] {
		select {
		case ch <- msg:
		default:
			c.logger.Warn("control message dropped", "namespace", env.Namespace, "type", msg.Type)
		}
	}
}
