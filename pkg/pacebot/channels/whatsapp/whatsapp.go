// Package whatsapp implements the WhatsApp transport on whatsmeow, the
// native Go WhatsApp Web client.
//
// It logs in with a QR code or a phone pairing code, persists the session
// in SQLite, converts incoming events into channels.IncomingMessage and
// exposes read receipts, typing indicators, quoted replies and reactions.
// Outbound traffic goes through a token bucket so bursts of replies never
// hit the network back to back.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/time/rate"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file for the whatsmeow session tables.
	DatabasePath string `yaml:"database_path"`

	// PairPhone switches login from QR to a pairing code sent to this
	// phone number (international format, digits only).
	PairPhone string `yaml:"pair_phone"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`

	// SendsPerSecond and SendBurst throttle outbound messages and reactions.
	SendsPerSecond float64 `yaml:"sends_per_second"`
	SendBurst      int     `yaml:"send_burst"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds forced reconnections (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./data/whatsapp",
		DeviceName:           "PaceBot",
		RespondToGroups:      true,
		RespondToDMs:         true,
		SendsPerSecond:       1,
		SendBurst:            3,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// LoginEvent reports login progress to observers (the CLI prints them).
type LoginEvent struct {
	// Type is "code", "pair_code", "success", "timeout" or "error".
	Type string `json:"type"`

	// Code is the QR payload or the phone pairing code.
	Code string `json:"code,omitempty"`

	Message string `json:"message,omitempty"`
}

// WhatsApp implements channels.Channel, channels.PresenceChannel and
// channels.ReactionChannel.
type WhatsApp struct {
	cfg     Config
	client  *whatsmeow.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	messages       chan *channels.IncomingMessage
	messagesMu     sync.RWMutex
	messagesClosed bool

	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	loginObservers   []chan LoginEvent
	loginObserversMu sync.Mutex
	lastLogin        *LoginEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 1
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "PaceBot"
	}

	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendBurst),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	return w.getState()
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// SubscribeLogin registers an observer for login events. The most recent
// pending code is replayed to late subscribers.
func (w *WhatsApp) SubscribeLogin() (<-chan LoginEvent, func()) {
	ch := make(chan LoginEvent, 8)
	w.loginObserversMu.Lock()
	w.loginObservers = append(w.loginObservers, ch)
	if w.lastLogin != nil {
		ch <- *w.lastLogin
	}
	w.loginObserversMu.Unlock()

	return ch, func() {
		w.loginObserversMu.Lock()
		defer w.loginObserversMu.Unlock()
		for i, obs := range w.loginObservers {
			if obs == ch {
				w.loginObservers = append(w.loginObservers[:i], w.loginObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyLogin(evt LoginEvent) {
	w.loginObserversMu.Lock()
	defer w.loginObserversMu.Unlock()

	if evt.Type == "code" || evt.Type == "pair_code" {
		w.lastLogin = &evt
	} else {
		w.lastLogin = nil
	}

	for _, ch := range w.loginObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a stored session
// the login flow runs in the background and reports through
// SubscribeLogin, so Connect returns immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(w.cfg.SessionDir, "whatsapp.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session dir: %w", err)
	}
	w.logger.Info("initializing session store", "path", dbPath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := firstDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingLogin)
		w.logger.Info("no stored session, waiting for device login")
		go func() {
			if err := w.login(w.ctx); err != nil {
				w.logger.Warn("login did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected with stored session", "jid", w.clientJID())

	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// Disconnect closes the connection and the incoming message stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.messagesMu.Lock()
	if !w.messagesClosed {
		w.messagesClosed = true
		close(w.messages)
	}
	w.messagesMu.Unlock()

	w.logger.Info("disconnected")
	return nil
}

// Send sends a text message, quoting msg.ReplyTo when set.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}

	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// NeedsLogin reports whether the device still has to be linked.
func (w *WhatsApp) NeedsLogin() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(w.getState())
	if jid := w.clientJID(); jid != "" {
		h.Details["jid"] = jid
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// SendTyping shows the "typing..." indicator.
func (w *WhatsApp) SendTyping(ctx context.Context, chatID string) error {
	return w.sendChatPresence(ctx, chatID, types.ChatPresenceComposing)
}

// ClearTyping removes the typing indicator.
func (w *WhatsApp) ClearTyping(ctx context.Context, chatID string) error {
	return w.sendChatPresence(ctx, chatID, types.ChatPresencePaused)
}

func (w *WhatsApp) sendChatPresence(ctx context.Context, chatID string, presence types.ChatPresence) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

// MarkRead sends read receipts ("blue ticks") for messageIDs.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID, senderID string, messageIDs []string) error {
	if !w.connected.Load() || len(messageIDs) == 0 {
		return nil
	}
	chat, err := parseJID(chatID)
	if err != nil {
		return err
	}
	sender := chat
	if senderID != "" {
		if s, err := parseJID(senderID); err == nil {
			sender = s
		}
	}

	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), chat, sender)
}

// SendReaction reacts to a message with emoji.
func (w *WhatsApp) SendReaction(ctx context.Context, chatID, senderID, messageID, emoji string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chat, err := parseJID(chatID)
	if err != nil {
		return err
	}
	var sender types.JID
	if senderID != "" {
		if sender, err = parseJID(senderID); err != nil {
			return err
		}
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}

	msg := buildReactionMessage(chat, sender, messageID, emoji, time.Now())
	if _, err := w.client.SendMessage(ctx, chat, msg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending reaction: %w", err)
	}
	return nil
}

func firstDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// login runs the QR flow. With PairPhone set, a pairing code is requested
// as soon as the first QR code arrives.
func (w *WhatsApp) login(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for login: %w", err)
	}

	paired := false
	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()

		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				if w.cfg.PairPhone != "" {
					if paired {
						continue
					}
					code, err := w.client.PairPhone(ctx, w.cfg.PairPhone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
					if err != nil {
						w.notifyLogin(LoginEvent{Type: "error", Message: err.Error()})
						return fmt.Errorf("requesting pairing code: %w", err)
					}
					paired = true
					w.logger.Info("pairing code ready", "phone", w.cfg.PairPhone)
					w.notifyLogin(LoginEvent{
						Type:    "pair_code",
						Code:    code,
						Message: "Enter this code in WhatsApp > Linked devices > Link with phone number",
					})
					continue
				}
				w.logger.Info("QR code ready")
				w.notifyLogin(LoginEvent{
					Type:    "code",
					Code:    evt.Code,
					Message: "Scan the QR code with WhatsApp to link this device",
				})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("device linked")
				w.notifyLogin(LoginEvent{Type: "success", Message: "WhatsApp linked"})
				w.StartHealthMonitor(ctx, w.cfg.HealthMonitor)
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.notifyLogin(LoginEvent{Type: "timeout", Message: "login code expired"})
				return fmt.Errorf("login timed out")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.notifyLogin(LoginEvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("login error: %w", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect reconnects with linear backoff capped at five minutes.
// Only one attempt loop runs at a time.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("max reconnect attempts reached", "attempts", attempts)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		// The Connected event flips the state.
		return
	}
}

func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	w.messagesMu.RLock()
	defer w.messagesMu.RUnlock()
	if w.messagesClosed {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("message channel full, dropping message", "from", msg.From, "type", msg.Type)
	}
}
