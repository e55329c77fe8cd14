package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// ErrWhatsAppNotConnected is returned by sends before the client is up.
var ErrWhatsAppNotConnected = errors.New("whatsapp: client not connected")

// WhatsAppChannel implements a native WhatsApp client.
type WhatsAppChannel struct {
	BaseChannel
	config config.WhatsAppConfig

	mu        sync.RWMutex
	client    *whatsmeow.Client
	container *sqlstore.Container
}

// NewWhatsAppChannel creates a new WhatsApp channel.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.Bus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "WARN", true)

	if err := os.MkdirAll(filepath.Dir(c.config.DBPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp db dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.config.DBPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, clientLog)
	client.AddEventHandler(c.eventHandler)

	c.mu.Lock()
	c.client = client
	c.container = container
	c.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go c.awaitPairing(qrChan)
	} else {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		slog.Info("WhatsApp connected", "jid", client.Store.ID.String())
	}

	c.subscribeOutbound(c.Name(), c.Send)
	return nil
}

// awaitPairing writes each pairing code as a QR image until the device is
// linked or pairing times out.
func (c *WhatsAppChannel) awaitPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp pairing event", "event", evt.Event)
			continue
		}
		if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
			slog.Warn("WhatsApp QR not written", "path", c.config.QRPath, "error", err)
			continue
		}
		slog.Info("WhatsApp pairing QR written, scan it with the phone", "path", c.config.QRPath)
	}
}

func (c *WhatsAppChannel) Stop() error {
	c.unsubscribeOutbound()
	c.mu.Lock()
	client, container := c.client, c.container
	c.client, c.container = nil, nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		return container.Close()
	}
	return nil
}

// SendMessage forwards to the connected client. It lets capabilities hold
// the channel before the client exists.
func (c *WhatsAppChannel) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return whatsmeow.SendResponse{}, ErrWhatsAppNotConnected
	}
	return client.SendMessage(ctx, to, message, extra...)
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	waMsg := &waE2E.Message{Conversation: proto.String(msg.Content)}
	if msg.ReplyTo != "" {
		waMsg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(msg.Content),
				ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(msg.ReplyTo)},
			},
		}
	}
	_, err = c.SendMessage(ctx, jid, waMsg)
	return err
}

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		slog.Info("WhatsApp session connected")
	case *events.LoggedOut:
		slog.Warn("WhatsApp session logged out, pairing required")
	}
}

func (c *WhatsAppChannel) handleMessage(v *events.Message) {
	if v == nil || v.Message == nil {
		return
	}
	if v.Info.IsFromMe && !c.config.SelfChat {
		return
	}
	content := messageText(v.Message)
	if content == "" || shouldDropSystemNoise(content) {
		return
	}
	if c.config.IgnoreReactions && v.Message.GetReactionMessage() != nil {
		return
	}

	sender := v.Info.Sender.User
	if !allowed(c.config.AllowFrom, sender) {
		slog.Info("WhatsApp sender not allowed", "sender", sender)
		return
	}

	msgType := bus.MessageTypeExternal
	if v.Info.IsFromMe {
		msgType = bus.MessageTypeInternal
	}
	c.PublishInbound(bus.InboundMessage{
		Channel:    c.Name(),
		ChatID:     v.Info.Chat.String(),
		SenderID:   sender,
		SenderName: v.Info.PushName,
		MessageID:  v.Info.ID,
		TraceID:    "wa-" + v.Info.ID,
		Content:    content,
		Timestamp:  v.Info.Timestamp,
		Metadata: map[string]any{
			bus.MetaKeyMessageType: msgType,
			bus.MetaKeyIsFromMe:    v.Info.IsFromMe,
		},
	})
}

// messageText extracts the readable text of a message. Media is reduced to a
// placeholder with its caption.
func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return strings.TrimSpace("[Image Message] " + m.GetImageMessage().GetCaption())
	case m.GetVideoMessage() != nil:
		return strings.TrimSpace("[Video Message] " + m.GetVideoMessage().GetCaption())
	case m.GetAudioMessage() != nil:
		return "[Audio Message]"
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		title := doc.GetTitle()
		if title == "" {
			title = doc.GetFileName()
		}
		return fmt.Sprintf("[Document: %s]", title)
	case m.GetReactionMessage() != nil:
		return "[Reaction " + m.GetReactionMessage().GetText() + "]"
	}
	return ""
}

func shouldDropSystemNoise(content string) bool {
	if content == "" {
		return false
	}
	if strings.Contains(content, "messageContextInfo") &&
		strings.Contains(content, "{") &&
		strings.Contains(content, ":") {
		return true
	}
	return strings.Contains(content, "senderKeyDistributionMessage")
}
