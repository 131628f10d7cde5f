package whatsapp

import (
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/pacebot/pkg/pacebot/channels"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingLogin ConnectionState = "waiting_login"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)

	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.touch()
		w.logger.Info("connected", "jid", w.clientJID())

	case *events.Disconnected:
		previous := w.getState()
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("disconnected")
		if previous == StateConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("stream replaced, another client took over this session")

	case *events.LoggedOut:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("logged out, device must be linked again",
			"reason", evt.Reason.String(), "on_connect", evt.OnConnect)
		go func() {
			if err := w.login(w.ctx); err != nil {
				w.logger.Warn("re-login did not complete", "error", err)
			}
		}()

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("temporary ban", "code", evt.Code.String(), "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		w.logger.Warn("keep-alive timeout", "error_count", evt.ErrorCount)
		if evt.ErrorCount >= 3 && w.getState() == StateConnected {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)
		w.logger.Info("keep-alive restored")

	case *events.ConnectFailure:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("connect failure", "reason", evt.Reason.String(), "permanent", permanent)
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.PairSuccess:
		w.logger.Info("device paired", "jid", evt.ID.String(), "platform", evt.Platform)
	}
}

// handleMessage converts and emits an incoming message.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	w.touch()

	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}
	if !evt.Info.IsGroup && !w.cfg.RespondToDMs {
		return
	}

	msg := convertMessage(evt)
	msg.From = w.resolveLID(evt.Info.Sender)
	msg.ChatID = w.resolveLID(evt.Info.Chat)
	w.emitMessage(msg)
}

// resolveLID maps a linked-identity JID to the phone JID when the store
// knows it, so the same person keeps one conversation id.
func (w *WhatsApp) resolveLID(jid types.JID) string {
	jid = jid.ToNonAD()
	if jid.Server != types.HiddenUserServer || w.client == nil || w.client.Store == nil {
		return jid.String()
	}
	alt, err := w.client.Store.GetAltJID(w.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid.String()
	}
	return alt.ToNonAD().String()
}

// convertMessage builds the channel-neutral message from a whatsmeow event.
func convertMessage(evt *events.Message) *channels.IncomingMessage {
	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      evt.Info.Sender.ToNonAD().String(),
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	msg.Type, msg.Content = contentOf(evt.Message)
	msg.ForwardingScore = int(contextInfoOf(evt.Message).GetForwardingScore())
	return msg
}

func (w *WhatsApp) touch() {
	w.lastMsg.Store(time.Now())
}
