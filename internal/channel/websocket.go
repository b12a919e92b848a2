package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsDefaultListen = ":8081"
	wsDefaultPath   = "/ws"
)

// WSMessage is the JSON frame exchanged with WebSocket clients.
type WSMessage struct {
	Type       string        `json:"type"` // "message" | "typing" | "status"
	ID         string        `json:"id,omitempty"`
	Content    string        `json:"content,omitempty"`
	ChatID     string        `json:"chatId,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	UserName   string        `json:"userName,omitempty"`
	ReplyTo    string        `json:"replyTo,omitempty"`
	Attachment *WSAttachment `json:"attachment,omitempty"`
}

// WSAttachment carries inline media; Data is base64 on the wire.
type WSAttachment struct {
	Type     domain.MessageType `json:"type"`
	MimeType string             `json:"mimeType,omitempty"`
	FileName string             `json:"fileName,omitempty"`
	Duration int                `json:"duration,omitempty"`
	Data     []byte             `json:"data"`
}

// WebSocket implements domain.Channel over plain WebSocket connections.
// Each connection joins the chat named by its chat_id query parameter.
type WebSocket struct {
	*Base

	upgrader websocket.Upgrader
	seq      atomic.Int64

	mu      sync.RWMutex
	clients map[string]*wsClient
	server  *http.Server
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// NewWebSocket creates a WebSocket channel registered under id.
func NewWebSocket(id string, logger *slog.Logger) *WebSocket {
	return &WebSocket{
		Base: NewBase(id, "websocket", logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Handler returns the upgrade handler so the channel can be mounted on an existing mux.
func (ws *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(ws.handleUpgrade)
}

// Connect starts the HTTP listener. cfg.Extra["listen"] and cfg.Extra["path"]
// override the defaults ":8081" and "/ws".
func (ws *WebSocket) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.server != nil {
		return nil
	}
	listen, path := cfg.Extra["listen"], cfg.Extra["path"]
	if listen == "" {
		listen = wsDefaultListen
	}
	if path == "" {
		path = wsDefaultPath
	}
	ws.SetAllowFrom(cfg.AllowFrom)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, ws.Handler())
	ws.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.Logger().Error("websocket server stopped", "err", err)
			ws.EmitError(context.Background(), fmt.Errorf("websocket server: %w", err))
			ws.SetConnected(context.Background(), false)
		}
	}(ws.server)

	ws.Logger().Info("websocket server listening", "addr", ln.Addr().String(), "path", path)
	ws.SetConnected(ctx, true)
	return nil
}

// Disconnect closes every client and shuts the server down.
func (ws *WebSocket) Disconnect(ctx context.Context) error {
	ws.mu.Lock()
	srv := ws.server
	ws.server = nil
	for id, c := range ws.clients {
		c.conn.Close()
		delete(ws.clients, id)
	}
	ws.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	ws.SetConnected(ctx, false)
	return err
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Logger().Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = "ws-" + uuid.NewString()
	}
	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	ws.Logger().Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.Logger().Info("websocket client disconnected", "client_id", clientID)
	}()

	_ = client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.Logger().Warn("websocket read error", "err", err)
			}
			return
		}
		var frame WSMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.Logger().Warn("invalid websocket frame", "err", err)
			continue
		}
		if frame.Type != "message" {
			continue
		}
		if !ws.IsAllowed(frame.UserID) {
			ws.Logger().Warn("unauthorized websocket user", "user_id", frame.UserID)
			continue
		}
		ws.EmitMessage(r.Context(), ws.toChannelMessage(chatID, frame))
	}
}

func (ws *WebSocket) toChannelMessage(chatID string, f WSMessage) *domain.ChannelMessage {
	id := f.ID
	if id == "" {
		id = strconv.FormatInt(ws.seq.Add(1), 10)
	}
	sender := f.UserID
	if sender == "" {
		sender = chatID
	}
	msg := &domain.ChannelMessage{
		ID:          id,
		ChannelID:   ws.ID(),
		ChannelType: ws.Type(),
		MessageType: domain.MessageText,
		SenderID:    sender,
		SenderName:  f.UserName,
		Content:     f.Content,
		ReplyToID:   f.ReplyTo,
		Timestamp:   time.Now().UnixMilli(),
		Metadata:    map[string]any{domain.MetaChatID: chatID},
	}
	if a := f.Attachment; a != nil && len(a.Data) > 0 {
		kind := a.Type
		if kind == "" {
			kind = domain.MessageDocument
		}
		msg.MessageType = kind
		msg.Attachments = []domain.ChannelAttachment{{
			Type:     kind,
			Data:     a.Data,
			MimeType: a.MimeType,
			FileName: a.FileName,
			FileSize: int64(len(a.Data)),
			Duration: a.Duration,
		}}
	}
	return msg
}

// SendText writes a message frame to every client in chatID.
func (ws *WebSocket) SendText(ctx context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	id := "out-" + strconv.FormatInt(ws.seq.Add(1), 10)
	return id, ws.broadcast(chatID, WSMessage{Type: "message", ID: id, Content: text, ChatID: chatID, ReplyTo: opts.ReplyToID})
}

// SendMedia writes the attachment inline to every client in chatID.
func (ws *WebSocket) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	f, err := ws.DownloadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	id := "out-" + strconv.FormatInt(ws.seq.Add(1), 10)
	return id, ws.broadcast(chatID, WSMessage{
		Type:    "message",
		ID:      id,
		Content: opts.Caption,
		ChatID:  chatID,
		ReplyTo: opts.ReplyToID,
		Attachment: &WSAttachment{
			Type:     att.Type,
			MimeType: f.MimeType,
			FileName: f.FileName,
			Data:     f.Data,
		},
	})
}

// DownloadAttachment returns inline or local attachment content. WebSocket
// clients always send media inline, so remote URLs are not supported.
func (ws *WebSocket) DownloadAttachment(ctx context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	return nil, fmt.Errorf("websocket: cannot download remote attachment %q", att.URL)
}

func (ws *WebSocket) broadcast(chatID string, msg WSMessage) error {
	ws.mu.RLock()
	var targets []*wsClient
	for _, c := range ws.clients {
		if c.chatID == chatID {
			targets = append(targets, c)
		}
	}
	ws.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("websocket: no client connected for chat %s", chatID)
	}
	var errs []error
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return fmt.Errorf("websocket write: %w", errors.Join(errs...))
	}
	return nil
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
