package websocket

import (
	"context"
	"docsync-server/collab"
	"docsync-server/core"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Client to server events.
const (
	EventGetDocument  = "get-document"
	EventSendChanges  = "send-changes"
	EventSaveDocument = "save-document"
)

const requestTimeout = 10 * time.Second

type ackFunc func(payload map[string]any)

// emitter is the part of *socketio.Socket a peer needs.
type emitter interface {
	Emit(ev string, args ...any) error
}

// socketPeer adapts a socket to collab.Peer. Content is decoded before
// emitting so the socket.io encoder sends it as JSON, not as a binary
// attachment.
type socketPeer struct {
	socket emitter
}

func (p socketPeer) Emit(event string, payload any) error {
	if content, ok := payload.(core.Content); ok {
		v, err := content.Value()
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", event, err)
		}
		payload = v
	}
	return p.socket.Emit(event, payload)
}

type handler struct {
	protocol *collab.Protocol
}

func SetupSocketIO(protocol *collab.Protocol, allowedOrigins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	origins := []any{localhostOrigin}
	for _, origin := range allowedOrigins {
		origins = append(origins, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)
	h := &handler{protocol: protocol}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		sessionID := protocol.Connect(socketPeer{socket: socket})
		log := logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"socket_id":  socket.Id(),
		})
		log.Info("Client connected")

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventGetDocument, func(datas ...any) {
			h.getDocument(sessionID, datas)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventSendChanges, func(datas ...any) {
			h.sendChanges(sessionID, datas)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventSaveDocument, func(datas ...any) {
			h.saveDocument(sessionID, datas)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			protocol.Disconnect(sessionID)
			log.WithField("reason", datas).Info("Client disconnected")
		})
	})

	return srv
}

func (h *handler) getDocument(sessionID collab.SessionID, datas []any) {
	ack, args := extractAck(datas)

	documentID := ""
	if len(args) > 0 {
		documentID, _ = args[0].(string)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	attachment, err := h.protocol.Request(ctx, sessionID, documentID)
	if ack == nil {
		return
	}
	if err != nil {
		ack(map[string]any{"status": "error", "error": collab.ClientMessage(err)})
		return
	}
	ack(map[string]any{
		"status":  "ok",
		"created": attachment.Created,
		"members": attachment.Members,
	})
}

func (h *handler) sendChanges(sessionID collab.SessionID, datas []any) {
	_, args := extractAck(datas)
	delta, err := payloadContent(args)
	if err != nil {
		h.protocol.RejectInvalid(sessionID, err)
		return
	}
	if _, err := h.protocol.SubmitDelta(sessionID, delta); err != nil {
		logrus.WithField("session_id", sessionID).WithError(err).Debug("Delta not relayed")
	}
}

func (h *handler) saveDocument(sessionID collab.SessionID, datas []any) {
	_, args := extractAck(datas)
	content, err := payloadContent(args)
	if err != nil {
		h.protocol.RejectInvalid(sessionID, err)
		return
	}
	if err := h.protocol.RequestSave(sessionID, content); err != nil {
		logrus.WithField("session_id", sessionID).WithError(err).Debug("Snapshot not recorded")
	}
}

// payloadContent turns the first event argument into JSON content.
func payloadContent(args []any) (core.Content, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: payload is required", core.ErrInvalidRequest)
	}
	if raw, ok := args[0].([]byte); ok {
		return core.ParseContent(raw)
	}
	return core.ContentFromValue(args[0])
}

// extractAck splits a trailing acknowledgement callback from event args.
func extractAck(datas []any) (ack ackFunc, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts the callback shapes socket.io versions hand to listeners.
func wrapAck(candidate any) ackFunc {
	switch fn := candidate.(type) {
	case nil:
		return nil
	case func([]any, error):
		return func(payload map[string]any) { fn([]any{payload}, nil) }
	case func(...any):
		return func(payload map[string]any) { fn(payload) }
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}
	typ := value.Type()
	return func(payload map[string]any) {
		value.Call(ackArgs(typ, payload))
	}
}

func ackArgs(typ reflect.Type, payload map[string]any) []reflect.Value {
	if typ.IsVariadic() && typ.NumIn() == 1 {
		return []reflect.Value{coerceValue(payload, typ.In(0).Elem())}
	}

	args := make([]reflect.Value, typ.NumIn())
	for i := range args {
		in := typ.In(i)
		switch {
		case i > 0:
			args[i] = reflect.Zero(in)
		case in.Kind() == reflect.Slice && in.Elem().Kind() == reflect.Interface:
			args[i] = reflect.ValueOf([]any{payload}).Convert(in)
		default:
			args[i] = coerceValue(payload, in)
		}
	}
	return args
}

func coerceValue(payload map[string]any, target reflect.Type) reflect.Value {
	rv := reflect.ValueOf(payload)
	switch {
	case rv.Type().AssignableTo(target):
		return rv
	case rv.Type().ConvertibleTo(target):
		return rv.Convert(target)
	case target.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(payload)).Convert(target)
	}
	return reflect.Zero(target)
}
