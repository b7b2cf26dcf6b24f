// Package relay exposes a pcsc.Driver over a websocket so that readers
// attached to one machine can be driven from another.
//
// The server wraps any driver (usually the native one) and the client
// implements pcsc.Driver, so the core package works unchanged on either end.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/smartcard/internal/logging"
	"github.com/SimplyPrint/smartcard/pcsc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
	queueLength    = 64
	cancelRetry    = 100 * time.Millisecond
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("request queue full")
)

// OriginValidator reports whether a request carrying the given Origin header
// may use the server.
type OriginValidator func(origin string) bool

// denyBrowsers admits only requests without an Origin header. Relay clients
// are programs; a browser always sends one.
func denyBrowsers(origin string) bool {
	return origin == ""
}

// Status is the JSON body served at /v1/status.
type Status struct {
	Version        string    `json:"version"`
	StartedAt      time.Time `json:"startedAt"`
	ActiveSessions int       `json:"activeSessions"`
	TotalSessions  int64     `json:"totalSessions"`
	Requests       int64     `json:"requests"`
	Failures       int64     `json:"failures"`
	OpenContexts   int       `json:"openContexts"`
	OpenCards      int       `json:"openCards"`
}

// Server serves a pcsc.Driver to relay clients. Every websocket connection is
// a session owning the contexts and cards it creates; when the connection
// ends, its cards are unpowered and its contexts released.
type Server struct {
	driver   pcsc.Driver
	version  string
	started  time.Time
	upgrader websocket.Upgrader
	origins  OriginValidator

	mu       sync.Mutex
	sessions map[*session]struct{}
	total    int64
	requests int64
	failures int64
	closed   bool
	wg       sync.WaitGroup
}

// NewServer returns a server relaying to d. version is reported by the
// status and version endpoints.
func NewServer(d pcsc.Driver, version string) *Server {
	s := &Server{
		driver:   d,
		version:  version,
		started:  time.Now(),
		origins:  denyBrowsers,
		sessions: make(map[*session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.origins(r.Header.Get("Origin"))
		},
	}
	return s
}

// AllowOrigins lets browser pages served from the listed origins (exact
// match, e.g. "https://app.example.com") use the server. Requests without an
// Origin header are always allowed. Call before Handler.
func (s *Server) AllowOrigins(origins ...string) *Server {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	s.origins = func(origin string) bool {
		return origin == "" || allowed[origin]
	}
	return s
}

// originGuard refuses requests from browser pages the server does not trust.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); !s.origins(origin) {
			logging.Warn(logging.CatHTTP, "Rejected request from untrusted origin", map[string]any{
				"origin": origin,
				"path":   r.URL.Path,
			})
			respondJSON(w, http.StatusForbidden, map[string]string{
				"error": "origin not allowed",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler serving the relay and its diagnostics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.originGuard)
	r.HandleFunc("/v1/relay", s.serveWS).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", recoveryMiddleware(s.handleStatus)).Methods(http.MethodGet)
	api.HandleFunc("/version", recoveryMiddleware(s.handleVersion)).Methods(http.MethodGet)
	api.HandleFunc("/health", recoveryMiddleware(s.handleHealth)).Methods(http.MethodGet)
	api.HandleFunc("/logs", recoveryMiddleware(handleLogs)).Methods(http.MethodGet, http.MethodDelete)
	api.HandleFunc("/crashes", recoveryMiddleware(handleCrashes)).Methods(http.MethodGet)

	return handlers.LoggingHandler(logging.Get().Writer(logging.LevelDebug, logging.CatHTTP), r)
}

// Status returns a snapshot of the session counters.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Version:        s.version,
		StartedAt:      s.started,
		ActiveSessions: len(s.sessions),
		TotalSessions:  s.total,
		Requests:       s.requests,
		Failures:       s.failures,
	}
	for sess := range s.sessions {
		ctxs, cards := sess.open()
		st.OpenContexts += ctxs
		st.OpenCards += cards
	}
	return st
}

// Close disconnects every session and waits until their resources have been
// released. New connections are refused afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.total++
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) countRequest(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if failed {
		s.failures++
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatRelay, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	sess := newSession(s, conn, r.RemoteAddr)
	if !s.register(sess) {
		conn.Close()
		return
	}

	logging.Info(logging.CatRelay, "Client connected", map[string]any{
		"session":    sess.id,
		"remoteAddr": sess.remote,
	})

	go sess.writePump()
	go sess.worker()
	go sess.readPump()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
	})
}

// handleHealth checks that the wrapped driver can list readers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var readers []string
	err := pcsc.WithContext(s.driver, pcsc.ScopeSystem, func(ctx *pcsc.Context) error {
		var err error
		readers, err = ctx.ListReaders()
		return err
	})
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"readerCount": len(readers),
	})
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})
		return
	}

	query := r.URL.Query()
	limit := queryLimit(query.Get("limit"), 100, 1000)

	var minLevel *logging.Level
	if l, ok := logging.ParseLevel(query.Get("level")); ok {
		minLevel = &l
	}
	var category *logging.Category
	if catStr := query.Get("category"); catStr != "" {
		c := logging.Category(catStr)
		category = &c
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"entries": logging.Get().GetEntries(limit, minLevel, category),
		"stats":   logging.Get().Stats(),
	})
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryLimit(query.Get("limit"), 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

func queryLimit(raw string, def, ceiling int) int {
	limit := def
	if l, err := strconv.Atoi(raw); err == nil && l > 0 {
		limit = min(l, ceiling)
	}
	return limit
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

// session is one relay connection and the driver resources it owns.
type session struct {
	id     string
	remote string
	server *Server
	conn   *websocket.Conn

	send  chan []byte
	queue chan frame
	// dead is closed when writePump stops so senders never block on a
	// connection nobody drains.
	dead chan struct{}
	// closing is closed when the read side ends; idle when the worker has
	// stopped executing requests.
	closing chan struct{}
	idle    chan struct{}

	mu       sync.Mutex
	contexts map[string]pcsc.ContextHandle
	cards    map[string]sessionCard
}

type sessionCard struct {
	handle  pcsc.CardHandle
	context string
}

func newSession(s *Server, conn *websocket.Conn, remote string) *session {
	return &session{
		id:       uuid.NewString(),
		remote:   remote,
		server:   s,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		queue:    make(chan frame, queueLength),
		dead:     make(chan struct{}),
		closing:  make(chan struct{}),
		idle:     make(chan struct{}),
		contexts: make(map[string]pcsc.ContextHandle),
		cards:    make(map[string]sessionCard),
	}
}

func (c *session) open() (contexts, cards int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contexts), len(c.cards)
}

// readPump decodes requests and queues them for the worker. Cancel is the
// exception: it must reach the driver while the worker is blocked in
// GetStatusChange, so it runs here.
func (c *session) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("relay readPump", false)
	defer c.drain()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatRelay, "WebSocket unexpected close", map[string]any{
					"session": c.id,
					"error":   err.Error(),
				})
			}
			return
		}

		req, err := decodeFrame(message)
		if err != nil {
			logging.Warn(logging.CatRelay, "Dropping malformed frame", map[string]any{
				"session": c.id,
				"error":   err.Error(),
			})
			continue
		}

		if req.Op == opCancel {
			c.reply(c.execute(req))
			continue
		}
		select {
		case c.queue <- req:
		default:
			c.refuse(req, errQueueFull)
		}
	}
}

// drain stops the worker once the client is gone. Requests still queued are
// refused, and any driver wait the worker is blocked in is cancelled until
// the worker returns, so a wait that started after the first cancel still
// ends.
func (c *session) drain() {
	close(c.closing)
	close(c.queue)
	c.conn.Close()

	c.cancelAll()
	ticker := time.NewTicker(cancelRetry)
	defer ticker.Stop()
	for {
		select {
		case <-c.idle:
			return
		case <-ticker.C:
			c.cancelAll()
		}
	}
}

// worker executes queued requests in order, then releases everything the
// session still owns once the read side has ended.
func (c *session) worker() {
	defer logging.RecoverAndLog("relay worker", false)
	defer c.server.unregister(c)
	defer func() { <-c.dead }()
	defer close(c.send)
	defer c.teardown()
	defer close(c.idle)

	for req := range c.queue {
		select {
		case <-c.closing:
			c.refuse(req, errSessionClosed)
			continue
		default:
		}
		c.reply(c.execute(req))
	}
}

func (c *session) refuse(req frame, err error) {
	c.server.countRequest(true)
	c.reply(frame{ID: req.ID, Error: err.Error()})
}

func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("relay writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.dead)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) reply(rsp frame) {
	data, err := encodeFrame(rsp)
	if err != nil {
		logging.Error(logging.CatRelay, "Failed to encode response", map[string]any{
			"session": c.id,
			"error":   err.Error(),
		})
		return
	}
	select {
	case c.send <- data:
	case <-c.dead:
	}
}

// cancelAll aborts any GetStatusChange the worker may be blocked in so that
// teardown can run once the client is gone.
func (c *session) cancelAll() {
	c.mu.Lock()
	contexts := make([]pcsc.ContextHandle, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		contexts = append(contexts, ctx)
	}
	c.mu.Unlock()

	for _, ctx := range contexts {
		_ = ctx.Cancel()
	}
}

// teardown unpowers every card and releases every context left open.
func (c *session) teardown() {
	c.mu.Lock()
	cards := c.cards
	contexts := c.contexts
	c.cards = make(map[string]sessionCard)
	c.contexts = make(map[string]pcsc.ContextHandle)
	c.mu.Unlock()

	for id, card := range cards {
		if err := card.handle.Disconnect(pcsc.DispositionUnpower); err != nil {
			logging.Warn(logging.CatRelay, "Failed to disconnect abandoned card", map[string]any{
				"session": c.id,
				"card":    id,
				"error":   err.Error(),
			})
		}
	}
	for id, ctx := range contexts {
		if err := ctx.Release(); err != nil {
			logging.Warn(logging.CatRelay, "Failed to release abandoned context", map[string]any{
				"session": c.id,
				"context": id,
				"error":   err.Error(),
			})
		}
	}

	logging.Info(logging.CatRelay, "Client disconnected", map[string]any{
		"session":  c.id,
		"cards":    len(cards),
		"contexts": len(contexts),
	})
}

// execute runs one request against the driver. A panicking driver call is
// reported to the client as an error instead of killing the session.
func (c *session) execute(req frame) (rsp frame) {
	rsp = frame{ID: req.ID}
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			logging.CapturePanic(rec, stack, "relay "+req.Op)
			logging.Error(logging.CatRelay, "Driver panicked", map[string]any{
				"session": c.id,
				"op":      req.Op,
				"panic":   fmt.Sprintf("%v", rec),
			})
			rsp = frame{ID: req.ID, Error: fmt.Sprintf("driver panic: %v", rec)}
		}
		c.server.countRequest(rsp.Error != "")
	}()

	if err := c.dispatch(req, &rsp); err != nil {
		rsp.Error = err.Error()
		logging.Debug(logging.CatRelay, "Request failed", map[string]any{
			"session": c.id,
			"op":      req.Op,
			"error":   err.Error(),
		})
	}
	return rsp
}

var errUnknownHandle = errors.New("unknown handle")

func (c *session) context(id string) (pcsc.ContextHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.contexts[id]
	if !ok {
		return nil, fmt.Errorf("context %q: %w", id, errUnknownHandle)
	}
	return h, nil
}

func (c *session) card(id string) (pcsc.CardHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %q: %w", id, errUnknownHandle)
	}
	return k.handle, nil
}

func (c *session) dispatch(req frame, rsp *frame) error {
	switch req.Op {
	case opEstablish:
		h, err := c.server.driver.EstablishContext(req.Scope)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		c.mu.Lock()
		c.contexts[id] = h
		c.mu.Unlock()
		rsp.Handle = id
		return nil

	case opConnect:
		ctx, err := c.context(req.Handle)
		if err != nil {
			return err
		}
		h, err := ctx.Connect(req.Reader, req.ShareMode, req.Protocol)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		c.mu.Lock()
		c.cards[id] = sessionCard{handle: h, context: req.Handle}
		c.mu.Unlock()
		rsp.Handle = id
		return nil

	case opListReaders, opListReaderGroups, opIsValid, opRelease, opCancel, opStatusChange:
		ctx, err := c.context(req.Handle)
		if err != nil {
			return err
		}
		return c.dispatchContext(ctx, req, rsp)

	case opDisconnect, opReconnect, opStatus, opTransmit, opBeginTransaction,
		opEndTransaction, opControl, opGetAttrib, opSetAttrib:
		card, err := c.card(req.Handle)
		if err != nil {
			return err
		}
		return c.dispatchCard(card, req, rsp)

	default:
		return fmt.Errorf("unknown operation %q", req.Op)
	}
}

func (c *session) dispatchContext(ctx pcsc.ContextHandle, req frame, rsp *frame) error {
	switch req.Op {
	case opListReaders:
		readers, err := ctx.ListReaders(req.Groups)
		rsp.Readers = readers
		return err
	case opListReaderGroups:
		groups, err := ctx.ListReaderGroups()
		rsp.Readers = groups
		return err
	case opIsValid:
		ok, err := ctx.IsValid()
		rsp.Valid = ok
		return err
	case opCancel:
		return ctx.Cancel()
	case opStatusChange:
		states := fromWireStates(req.States)
		if err := ctx.GetStatusChange(states, millisToTimeout(req.TimeoutMillis)); err != nil {
			return err
		}
		rsp.States = toWireStates(states)
		return nil
	default: // opRelease
		if err := ctx.Release(); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.contexts, req.Handle)
		for id, k := range c.cards {
			if k.context == req.Handle {
				delete(c.cards, id)
			}
		}
		c.mu.Unlock()
		return nil
	}
}

func (c *session) dispatchCard(card pcsc.CardHandle, req frame, rsp *frame) error {
	switch req.Op {
	case opDisconnect:
		c.mu.Lock()
		delete(c.cards, req.Handle)
		c.mu.Unlock()
		return card.Disconnect(req.Disposition)
	case opReconnect:
		return card.Reconnect(req.ShareMode, req.Protocol, req.Initialization)
	case opStatus:
		st, err := card.Status()
		if err != nil {
			return err
		}
		rsp.State = st.State
		rsp.Protocol = st.Protocol
		rsp.ATR = st.ATR
		rsp.ReaderNames = st.ReaderNames
		return nil
	case opTransmit:
		var recv pcsc.IoDescriptor
		out, err := card.Transmit(req.Data, pcsc.IoDescriptor{Protocol: req.Protocol}, &recv)
		rsp.Data = out
		rsp.Protocol = recv.Protocol
		return err
	case opBeginTransaction:
		return card.BeginTransaction()
	case opEndTransaction:
		return card.EndTransaction(req.Disposition)
	case opControl:
		out, err := card.Control(req.Code, req.Data)
		rsp.Data = out
		return err
	case opGetAttrib:
		out, err := card.GetAttrib(req.Attrib)
		rsp.Data = out
		return err
	default: // opSetAttrib
		return card.SetAttrib(req.Attrib, req.Data)
	}
}
