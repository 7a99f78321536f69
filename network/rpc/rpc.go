// Package rpc multiplexes framed requests, responses and notifications over
// the data plane and routes incoming messages to registered handlers.
package rpc

import (
	"sync"

	"github.com/overmesh/overmesh/network/messaging"
	"github.com/pkg/errors"
)

// OriginKind tags where an incoming message came from, so that handlers can
// match the expected variant instead of guessing at the sender's type.
type OriginKind int

// Origin kinds.
const (
	OriginOther OriginKind = iota
	OriginEdge
	OriginConnection
)

func (k OriginKind) String() string {
	switch k {
	case OriginEdge:
		return "edge"
	case OriginConnection:
		return "connection"
	}
	return "other"
}

// Origin identifies the sender of an incoming message: a raw edge, an
// established connection riding an edge, or something else entirely.
type Origin struct {
	Kind   OriginKind
	Sender messaging.Sender
}

// Request is an incoming request or notification, dispatched to the handler
// registered for its method.
type Request struct {
	Origin  Origin
	Method  string
	Payload map[string][]byte

	handler   *Handler
	id        uint64
	kind      MessageKind
	responded bool
}

// Respond sends the given payload back to the requester. It errors on
// notifications and on double responses.
func (r *Request) Respond(payload map[string][]byte) error {
	if r.kind != KindRequest {
		return errors.Errorf("cannot respond to a %s", r.kind)
	}
	if r.responded {
		return errors.Errorf("request %d for '%s' was already responded to", r.id, r.Method)
	}
	r.responded = true
	return r.handler.send(&Message{Kind: KindResponse, ID: r.id, Payload: payload}, r.Origin.Sender)
}

// Response is the reply to a previously sent request, routed to the
// ResponseHandler that was registered when the request was sent.
type Response struct {
	Origin  Origin
	Payload map[string][]byte
}

// RequestHandler handles an incoming request or notification.
type RequestHandler func(request *Request)

// ResponseHandler is the continuation invoked when the reply to an earlier
// request arrives.
type ResponseHandler func(response *Response)

type pendingRequest struct {
	to         messaging.Sender
	onResponse ResponseHandler
}

// Handler is the RPC dispatch layer. It is safe for concurrent use; incoming
// handler invocations run on whatever goroutine delivered the data.
type Handler struct {
	mtx             sync.Mutex
	methods         map[string]RequestHandler
	pendingRequests map[uint64]*pendingRequest
	nextRequestID   uint64
}

// NewHandler creates an empty RPC handler.
func NewHandler() *Handler {
	return &Handler{
		methods:         make(map[string]RequestHandler),
		pendingRequests: make(map[uint64]*pendingRequest),
		nextRequestID:   1,
	}
}

// Register routes incoming requests and notifications for `method` to the
// given handler.
func (h *Handler) Register(method string, handler RequestHandler) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.methods[method]; ok {
		return errors.Errorf("a handler for '%s' is already registered", method)
	}
	h.methods[method] = handler
	return nil
}

// Unregister removes the handler registered for `method`.
func (h *Handler) Unregister(method string) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.methods[method]; !ok {
		return errors.Errorf("a handler for '%s' is not registered", method)
	}
	delete(h.methods, method)
	return nil
}

// SendRequest delivers a request to `to` and registers `onResponse` to be
// invoked when the reply arrives. The continuation is dropped if the sender's
// pending requests are cancelled before then.
func (h *Handler) SendRequest(payload map[string][]byte, to messaging.Sender, onResponse ResponseHandler) error {
	h.mtx.Lock()
	id := h.nextRequestID
	h.nextRequestID++
	h.pendingRequests[id] = &pendingRequest{to: to, onResponse: onResponse}
	h.mtx.Unlock()

	err := h.send(&Message{Kind: KindRequest, ID: id, Payload: payload}, to)
	if err != nil {
		h.mtx.Lock()
		delete(h.pendingRequests, id)
		h.mtx.Unlock()
		return err
	}
	return nil
}

// SendNotification delivers a fire-and-forget notification to `to`.
func (h *Handler) SendNotification(payload map[string][]byte, to messaging.Sender) error {
	return h.send(&Message{Kind: KindNotification, Payload: payload}, to)
}

// CancelRequests drops the pending continuations of every request that was
// sent to `to`. Called when an edge closes so that a late reply can never
// resurrect it.
func (h *Handler) CancelRequests(to messaging.Sender) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	for id, pending := range h.pendingRequests {
		if pending.to == to {
			delete(h.pendingRequests, id)
		}
	}
}

func (h *Handler) send(message *Message, to messaging.Sender) error {
	data, err := message.Serialize()
	if err != nil {
		return err
	}
	return to.Send(data)
}

// HandleData decodes and dispatches a single incoming payload. Malformed or
// unroutable messages are logged and dropped; nothing propagates to the
// caller.
func (h *Handler) HandleData(data []byte, origin Origin) {
	message, err := DeserializeMessage(data)
	if err != nil {
		log.Warnf("Dropping malformed message from %s: %s", origin.Sender, err)
		return
	}

	switch message.Kind {
	case KindRequest, KindNotification:
		h.handleRequest(message, origin)
	case KindResponse:
		h.handleResponse(message, origin)
	}
}

func (h *Handler) handleRequest(message *Message, origin Origin) {
	method := message.Method()
	if method == "" {
		log.Warnf("Dropping a %s with no method from %s", message.Kind, origin.Sender)
		return
	}

	h.mtx.Lock()
	handler, ok := h.methods[method]
	h.mtx.Unlock()
	if !ok {
		log.Warnf("No handler registered for '%s', dropping %s from %s",
			method, message.Kind, origin.Sender)
		return
	}

	handler(&Request{
		Origin:  origin,
		Method:  method,
		Payload: message.Payload,
		handler: h,
		id:      message.ID,
		kind:    message.Kind,
	})
}

func (h *Handler) handleResponse(message *Message, origin Origin) {
	h.mtx.Lock()
	pending, ok := h.pendingRequests[message.ID]
	if ok && pending.to != origin.Sender {
		h.mtx.Unlock()
		log.Warnf("Dropping a response to request %d from %s: the request was sent to %s",
			message.ID, origin.Sender, pending.to)
		return
	}
	if ok {
		delete(h.pendingRequests, message.ID)
	}
	h.mtx.Unlock()

	if !ok {
		log.Debugf("Dropping a response to unknown request %d from %s", message.ID, origin.Sender)
		return
	}

	pending.onResponse(&Response{Origin: origin, Payload: message.Payload})
}

// EdgeSink returns a sink that feeds received data into this handler tagged
// as coming from the given edge.
func (h *Handler) EdgeSink(e messaging.Sender) messaging.Sink {
	return originSink{handler: h, origin: Origin{Kind: OriginEdge, Sender: e}}
}

// ConnectionSink returns a sink that feeds received data into this handler
// tagged as coming from the given connection.
func (h *Handler) ConnectionSink(c messaging.Sender) messaging.Sink {
	return originSink{handler: h, origin: Origin{Kind: OriginConnection, Sender: c}}
}

type originSink struct {
	handler *Handler
	origin  Origin
}

func (s originSink) HandleData(data []byte, _ messaging.Sender) {
	s.handler.HandleData(data, s.origin)
}
