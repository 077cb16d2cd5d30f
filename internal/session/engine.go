// Package session runs the streaming side of the broker: one goroutine pair
// per WebSocket client, multiplexing lease dispatch, inbound reports, and
// peer broadcasts over a single connection.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/lease"
	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/pool"
	"github.com/EPguitars/proxycare/internal/registry"
	"github.com/EPguitars/proxycare/internal/store"
)

const (
	inboundPollInterval = 100 * time.Millisecond
	idleSleep           = time.Second
	startFrameTimeout   = 30 * time.Second
)

// Codec seals credentials for transit.
type Codec interface {
	EncryptRecord(rec model.ProxyRecord) (model.ProxyRecord, error)
}

// Refiller tops up an empty pool; false means nothing was added or a refill
// is already running.
type Refiller interface {
	TryRefill(ctx context.Context, source string) bool
}

// Preloader loads a source's full record set into cache and pool.
type Preloader interface {
	Preload(ctx context.Context, source string) (int, error)
}

// Reporter persists client usage reports.
type Reporter interface {
	InsertReport(ctx context.Context, proxyID int64, statusCode int) error
}

// Engine owns the shared lease machinery and serves the WebSocket routes.
type Engine struct {
	pools    *pool.Manager
	index    *pool.RecordIndex
	registry *registry.Registry
	leases   *lease.Scheduler
	refiller Refiller
	preload  Preloader
	reports  Reporter
	codec    Codec
	secret   string
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewEngine wires the engine. codec may be nil, in which case credentials go
// out in plaintext.
func NewEngine(
	pools *pool.Manager,
	index *pool.RecordIndex,
	reg *registry.Registry,
	leases *lease.Scheduler,
	refiller Refiller,
	preload Preloader,
	reports Reporter,
	codec Codec,
	secret string,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		pools:    pools,
		index:    index,
		registry: reg,
		leases:   leases,
		refiller: refiller,
		preload:  preload,
		reports:  reports,
		codec:    codec,
		secret:   secret,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleProxies serves /ws/proxies: initial {"source_ids":[...]} frame,
// preload of the requested sources, a sources_loaded reply, then streaming.
func (e *Engine) HandleProxies() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, true)
	})
}

// HandleProxyMulti serves /ws/proxy_multi: expects
// {"action":"start","source_ids":[...]} and streams without preload.
func (e *Engine) HandleProxyMulti() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, false)
	})
}

// authorized checks the bearer token from the query string or the
// Authorization header against the shared secret, in constant time.
func (e *Engine) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(e.secret)) == 1
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, preload bool) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := newSession(conn)
	defer conn.Close()

	if !e.authorized(r) {
		sess.Send(errorFrame{Action: actionError, Message: "Invalid token"})
		sess.closeWith(closePolicyViolation, "invalid token")
		return
	}

	conn.SetReadDeadline(time.Now().Add(startFrameTimeout))
	var start inboundFrame
	if err := conn.ReadJSON(&start); err != nil {
		sess.Send(errorFrame{Action: actionError, Message: "Invalid start message"})
		sess.closeWith(closePolicyViolation, "invalid start message")
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !preload && start.Action != actionStart {
		sess.Send(errorFrame{Action: actionError, Message: "Invalid start message"})
		sess.closeWith(closePolicyViolation, "invalid start message")
		return
	}
	sourceIDs := coerceSourceIDs(start.SourceIDs)
	if len(sourceIDs) == 0 {
		sess.Send(errorFrame{
			Action:  actionError,
			Message: "No source_ids provided. Please specify at least one source_id.",
		})
		sess.closeWith(closePolicyViolation, "no source_ids")
		return
	}

	if preload {
		loaded := e.preloadSources(r.Context(), sourceIDs)
		if err := sess.Send(sourcesLoadedFrame{
			Action:        actionSourcesLoaded,
			LoadedSources: loaded,
			Message:       fmt.Sprintf("Loaded proxies from %d sources", len(loaded)),
		}); err != nil {
			return
		}
	}

	e.run(r.Context(), sess, sourceIDs)
}

func (e *Engine) preloadSources(ctx context.Context, sourceIDs []string) []LoadedSource {
	loaded := make([]LoadedSource, 0, len(sourceIDs))
	for _, sid := range sourceIDs {
		count, err := e.preload.Preload(ctx, sid)
		if err != nil {
			e.logger.Warn("source preload failed", zap.String("source", sid), zap.Error(err))
			continue
		}
		if count > 0 {
			loaded = append(loaded, LoadedSource{SourceID: sid, ProxyCount: count})
		}
	}
	return loaded
}

// run is the streaming loop. It returns when the client disconnects or a
// write fails; the deferred detach and connection close tear everything
// down. A panic in frame handling kills only this session.
func (e *Engine) run(ctx context.Context, sess *wsSession, sourceIDs []string) {
	key := registry.SubscriptionKey(sourceIDs)

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("session panic",
				zap.String("key", key),
				zap.String("session_id", sess.ID()),
				zap.Any("panic", rec))
			sess.Send(errorFrame{Action: actionError, Message: "Server error", Key: key})
			sess.closeWith(closeInternalError, "internal error")
		}
	}()

	e.registry.Attach(key, sess)
	defer e.registry.Detach(key, sess)

	inbound := make(chan inboundFrame, 16)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go e.readLoop(sess, key, inbound, done, quit)

	for {
		select {
		case f := <-inbound:
			e.handleInbound(ctx, sess, key, f)
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(inboundPollInterval):
		}
		if sess.isClosed() {
			return
		}

		if e.dispatchOne(ctx, sess, key, sourceIDs) {
			continue
		}

		// Every pool came up empty this round: tell the client and idle for
		// about a second, still draining inbound frames.
		if err := sess.Send(waitingFrame{
			Action:  actionWaiting,
			Message: "No proxies available, waiting...",
			Key:     key,
		}); err != nil {
			return
		}
		idle := time.After(idleSleep)
	drain:
		for {
			select {
			case f := <-inbound:
				e.handleInbound(ctx, sess, key, f)
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-idle:
				break drain
			}
		}
	}
}

// readLoop pulls frames off the socket. Malformed JSON gets an error frame
// and the connection survives; a transport error ends the session.
func (e *Engine) readLoop(sess *wsSession, key string, inbound chan<- inboundFrame, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.markClosed()
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.Send(errorFrame{
				Action:  actionError,
				Message: "Error processing message: invalid JSON",
				Key:     key,
			})
			continue
		}
		select {
		case inbound <- f:
		case <-quit:
			return
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, sess *wsSession, key string, f inboundFrame) {
	switch f.Action {
	case actionReportProxy:
		e.handleReport(ctx, sess, f)
	case actionProxyTaken:
		e.handleProxyTaken(sess, f)
	case actionRequestProxy, actionStart, "":
		// request_proxy is a dispatch hint; the loop dispatches right after
		// this returns. A repeated start frame is ignored.
	default:
		sess.Send(errorFrame{
			Action:  actionError,
			Message: fmt.Sprintf("Error processing message: unknown action %q", f.Action),
			Key:     key,
		})
	}
}

func (e *Engine) handleReport(ctx context.Context, sess *wsSession, f inboundFrame) {
	ack := reportAckFrame{Action: actionReportAck, ProxyID: f.ProxyID}
	err := e.reports.InsertReport(ctx, f.ProxyID, f.StatusCode)
	switch {
	case err == nil:
		ack.Success = true
		ack.Message = "Report saved successfully"
	case errors.Is(err, store.ErrNotFound):
		ack.Message = fmt.Sprintf("Proxy with ID %d does not exist", f.ProxyID)
	default:
		e.logger.Warn("report insert failed", zap.Int64("proxy_id", f.ProxyID), zap.Error(err))
		ack.Message = "Failed to save report"
	}
	sess.Send(ack)
}

// handleProxyTaken tells every peer reading the proxy's source that the id
// is in use. Advisory only; the pool pop already removed the record.
func (e *Engine) handleProxyTaken(sess *wsSession, f inboundFrame) {
	source, ok := e.index.SourceOf(f.ProxyID)
	if !ok {
		source, ok = e.pools.SourceOf(f.ProxyID)
	}
	if !ok {
		return
	}
	interval := f.UsageInterval
	if interval <= 0 {
		interval = model.DefaultUsageInterval
	}
	for _, peer := range e.registry.PeersForSource(source, sess.ID()) {
		e.registry.SendTo(peer, proxyInUseFrame{
			Action:        actionProxyInUse,
			ProxyID:       f.ProxyID,
			UsageInterval: interval,
			Key:           peer.Key,
		})
	}
}

// dispatchOne rotates through the subscription's sources and leases the
// first available record. Returns false when every pool is empty and no
// refill produced anything.
func (e *Engine) dispatchOne(ctx context.Context, sess *wsSession, key string, sourceIDs []string) bool {
	for _, sid := range sourceIDs {
		rec, ok := e.pools.Pop(sid)
		if !ok {
			if e.refiller == nil || !e.refiller.TryRefill(ctx, sid) {
				continue
			}
			if rec, ok = e.pools.Pop(sid); !ok {
				continue
			}
		}

		if sess.isClosed() {
			e.pools.PushFront(sid, rec)
			return true
		}

		e.index.Put(rec)

		wire := rec
		if e.codec != nil {
			sealed, err := e.codec.EncryptRecord(rec)
			if err != nil {
				// Conscious fallback: the lease still goes out, in plaintext.
				e.logger.Warn("credential encryption failed, sending plaintext",
					zap.Int64("proxy_id", rec.ID), zap.Error(err))
			} else {
				wire = sealed
			}
		}

		interval := int(rec.Interval() / time.Second)
		if err := sess.Send(proxyAvailableFrame{
			Action:        actionProxyAvailable,
			SourceID:      sid,
			Proxy:         wire,
			Key:           key,
			UsageInterval: interval,
		}); err != nil {
			e.pools.PushFront(sid, rec)
			return true
		}

		e.leases.ScheduleReturn(rec, sid, rec.Interval())
		return true
	}
	return false
}
