package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sitescan/notifier/internal/auth"
	"github.com/sitescan/notifier/internal/handlers/validator"
	"github.com/sitescan/notifier/internal/service"
	"github.com/sitescan/notifier/internal/service/mappers"
	"github.com/sitescan/notifier/internal/store/model"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer        = 64
	defaultPingInterval      = 30 * time.Second
	defaultWriteWait         = 10 * time.Second
	defaultMaxMessageSize    = 64 * 1024
	defaultDisconnectRetries = 3
	disconnectBackoff        = 100 * time.Millisecond
)

// Coordinator is the job lifecycle seen from the transport.
type Coordinator interface {
	Connect(ctx context.Context, identity, handle string, targets []string) error
	Submit(ctx context.Context, identity, handle, target string) (*model.Job, error)
	Acknowledge(ctx context.Context, identity string, id uuid.UUID) (*model.Job, error)
	Disconnect(ctx context.Context, handle string) error
	Release(handle string)
}

// Handler upgrades authenticated requests to websockets and translates their
// frames into job lifecycle calls.
type Handler struct {
	hub               *Hub
	coordinator       Coordinator
	validator         *validator.Validator
	upgrader          websocket.Upgrader
	sendBuffer        int
	pingInterval      time.Duration
	writeWait         time.Duration
	disconnectRetries uint64
}

type HandlerOption func(h *Handler)

func WithSendBuffer(size int) HandlerOption {
	return func(h *Handler) {
		if size > 0 {
			h.sendBuffer = size
		}
	}
}

func WithPingInterval(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		if interval > 0 {
			h.pingInterval = interval
		}
	}
}

func WithDisconnectRetries(retries uint64) HandlerOption {
	return func(h *Handler) {
		h.disconnectRetries = retries
	}
}

// WithAllowedOrigins restricts the origins allowed to open a socket. "*"
// allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		if len(origins) == 0 || slices.Contains(origins, "*") {
			h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

func NewHandler(hub *Hub, coordinator Coordinator, opts ...HandlerOption) *Handler {
	v := validator.NewValidator()
	v.Register(validator.NewMessageValidationRules()...)

	h := &Handler{
		hub:               hub,
		coordinator:       coordinator,
		validator:         v,
		upgrader:          websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		sendBuffer:        defaultSendBuffer,
		pingInterval:      defaultPingInterval,
		writeWait:         defaultWriteWait,
		disconnectRetries: defaultDisconnectRetries,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := auth.MustHaveUser(r.Context())
	targets := parseTargets(r.URL.Query())
	logger := zap.S().Named("socket_handler")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("failed to upgrade connection", "error", err, "identity", user.Identity)
		return
	}

	c := newConn(uuid.NewString(), ws, h.sendBuffer)
	h.hub.register(c)
	go c.writePump(h.pingInterval, h.writeWait)

	ctx := context.WithoutCancel(r.Context())
	logger.Infow("connection opened", "identity", user.Identity, "handle", c.handle, "targets", targets)

	if err := h.coordinator.Connect(ctx, user.Identity, c.handle, targets); err != nil {
		logger.Errorw("failed to reconcile connection", "error", err, "identity", user.Identity, "handle", c.handle)
		h.sendError(c.handle, err, "")
	}

	h.readLoop(ctx, user.Identity, c)

	h.disconnect(ctx, c.handle)
	h.hub.unregister(c.handle)
	logger.Infow("connection closed", "identity", user.Identity, "handle", c.handle)
}

func (h *Handler) readLoop(ctx context.Context, identity string, c *conn) {
	c.ws.SetReadLimit(defaultMaxMessageSize)
	pongWait := h.pingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				zap.S().Named("socket_handler").Debugw("connection lost", "error", err, "handle", c.handle)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		h.dispatch(ctx, identity, c.handle, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, identity, handle string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.sendError(handle, validator.NewErrInvalidMessage("malformed message: %s", err), "")
		return
	}
	if err := h.validator.Struct(env); err != nil {
		h.sendError(handle, err, "")
		return
	}

	switch env.Event {
	case EventGenerateReport:
		var msg GenerateReport
		if err := h.decode(env.Data, &msg); err != nil {
			h.sendError(handle, err, "")
			return
		}
		if _, err := h.coordinator.Submit(ctx, identity, handle, msg.Target); err != nil {
			zap.S().Named("socket_handler").Errorw("failed to submit job", "error", err, "identity", identity, "target", msg.Target)
			h.sendError(handle, err, "")
		}
	case EventSetJobDone:
		var msg SetJobDone
		if err := h.decode(env.Data, &msg); err != nil {
			h.sendError(handle, err, "")
			return
		}
		id, err := uuid.Parse(msg.JobID)
		if err != nil {
			h.sendError(handle, validator.NewErrInvalidMessage("malformed job id: %s", err), msg.JobID)
			return
		}
		if _, err := h.coordinator.Acknowledge(ctx, identity, id); err != nil {
			h.sendError(handle, err, msg.JobID)
		}
	default:
		h.sendError(handle, validator.NewErrInvalidMessage("unknown event %q", env.Event), "")
	}
}

func (h *Handler) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return validator.NewErrInvalidMessage("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return validator.NewErrInvalidMessage("malformed data: %s", err)
	}
	return h.validator.Struct(v)
}

// disconnect detaches the jobs of handle, retrying store failures. The handle
// is released anyway once the retries are exhausted.
func (h *Handler) disconnect(ctx context.Context, handle string) {
	b := retry.WithMaxRetries(h.disconnectRetries, retry.NewConstant(disconnectBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := h.coordinator.Disconnect(ctx, handle); err != nil {
			var storeErr *service.ErrStore
			if errors.As(err, &storeErr) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		zap.S().Named("socket_handler").Errorw("failed to detach jobs, releasing connection", "error", err, "handle", handle)
		h.coordinator.Release(handle)
	}
}

func (h *Handler) sendError(handle string, err error, jobID string) {
	message := err.Error()

	var (
		notFound   *service.ErrResourceNotFound
		transition *service.ErrInvalidTransition
		invalid    *validator.ErrInvalidMessage
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &transition), errors.As(err, &invalid):
	default:
		message = "internal error"
	}

	h.hub.Send(handle, service.EventError, mappers.Error{Message: message, JobID: jobID})
}
