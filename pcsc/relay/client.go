package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/smartcard/internal/logging"
	"github.com/SimplyPrint/smartcard/pcsc"
)

// ErrClosed is returned for calls made after the connection to the relay
// server has ended.
var ErrClosed = errors.New("relay connection closed")

// RemoteError is a failure reported by the driver on the relay server.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return "relay " + e.Op + ": " + e.Message
}

// Client is a pcsc.Driver backed by a relay server. Each call blocks until
// the server answers; calls from several goroutines may be in flight at once
// and are matched to their responses by request ID.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay endpoint at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go c.readLoop()

	logging.Info(logging.CatRelay, "Connected to relay", map[string]any{
		"url": url,
	})
	return c, nil
}

// Close ends the connection. The server then releases everything this
// client left open.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer logging.RecoverAndLog("relay client readLoop", false)
	defer c.fail(ErrClosed)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(logging.CatRelay, "Relay connection lost", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}
		rsp, err := decodeFrame(message)
		if err != nil {
			logging.Warn(logging.CatRelay, "Dropping malformed frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[rsp.ID]
		delete(c.pending, rsp.ID)
		c.mu.Unlock()
		if ok {
			ch <- rsp
		}
	}
}

// fail wakes every waiting call with err and refuses new ones.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.err = err
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.conn.Close()
	close(c.done)
}

func (c *Client) call(req frame) (frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return frame{}, c.err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	data, err := encodeFrame(req)
	if err != nil {
		c.forget(req.ID)
		return frame{}, err
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return frame{}, fmt.Errorf("failed to send %s: %w", req.Op, err)
	}

	rsp, ok := <-ch
	if !ok {
		return frame{}, ErrClosed
	}
	if rsp.Error != "" {
		return rsp, &RemoteError{Op: req.Op, Message: rsp.Error}
	}
	return rsp, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, error) {
	rsp, err := c.call(frame{Op: opEstablish, Scope: scope})
	if err != nil {
		return nil, err
	}
	return &remoteContext{c: c, handle: rsp.Handle}, nil
}

type remoteContext struct {
	c      *Client
	handle string
}

func (r *remoteContext) ListReaders(groups []string) ([]string, error) {
	rsp, err := r.c.call(frame{Op: opListReaders, Handle: r.handle, Groups: groups})
	if err != nil {
		return nil, err
	}
	return rsp.Readers, nil
}

func (r *remoteContext) ListReaderGroups() ([]string, error) {
	rsp, err := r.c.call(frame{Op: opListReaderGroups, Handle: r.handle})
	if err != nil {
		return nil, err
	}
	return rsp.Readers, nil
}

func (r *remoteContext) IsValid() (bool, error) {
	rsp, err := r.c.call(frame{Op: opIsValid, Handle: r.handle})
	if err != nil {
		return false, err
	}
	return rsp.Valid, nil
}

func (r *remoteContext) Release() error {
	_, err := r.c.call(frame{Op: opRelease, Handle: r.handle})
	return err
}

func (r *remoteContext) Cancel() error {
	_, err := r.c.call(frame{Op: opCancel, Handle: r.handle})
	return err
}

func (r *remoteContext) GetStatusChange(states []pcsc.ReaderState, timeout time.Duration) error {
	rsp, err := r.c.call(frame{
		Op:            opStatusChange,
		Handle:        r.handle,
		States:        toWireStates(states),
		TimeoutMillis: timeoutToMillis(timeout),
	})
	if err != nil {
		return err
	}
	got := fromWireStates(rsp.States)
	if len(got) != len(states) {
		return fmt.Errorf("relay returned %d reader states, want %d", len(got), len(states))
	}
	for i := range states {
		states[i].EventState = got[i].EventState
		states[i].ATR = got[i].ATR
	}
	return nil
}

func (r *remoteContext) Connect(reader string, mode pcsc.ShareMode, proto pcsc.Protocol) (pcsc.CardHandle, error) {
	rsp, err := r.c.call(frame{
		Op:        opConnect,
		Handle:    r.handle,
		Reader:    reader,
		ShareMode: mode,
		Protocol:  proto,
	})
	if err != nil {
		return nil, err
	}
	return &remoteCard{c: r.c, handle: rsp.Handle}, nil
}

type remoteCard struct {
	c      *Client
	handle string
}

func (r *remoteCard) Disconnect(d pcsc.Disposition) error {
	_, err := r.c.call(frame{Op: opDisconnect, Handle: r.handle, Disposition: d})
	return err
}

func (r *remoteCard) Reconnect(mode pcsc.ShareMode, proto pcsc.Protocol, init pcsc.Initialization) error {
	_, err := r.c.call(frame{
		Op:             opReconnect,
		Handle:         r.handle,
		ShareMode:      mode,
		Protocol:       proto,
		Initialization: init,
	})
	return err
}

func (r *remoteCard) Status() (pcsc.StatusSnapshot, error) {
	rsp, err := r.c.call(frame{Op: opStatus, Handle: r.handle})
	if err != nil {
		return pcsc.StatusSnapshot{}, err
	}
	return pcsc.StatusSnapshot{
		State:       rsp.State,
		Protocol:    rsp.Protocol,
		ATR:         rsp.ATR,
		ReaderNames: rsp.ReaderNames,
	}, nil
}

func (r *remoteCard) Transmit(cmd []byte, send pcsc.IoDescriptor, recv *pcsc.IoDescriptor) ([]byte, error) {
	rsp, err := r.c.call(frame{Op: opTransmit, Handle: r.handle, Protocol: send.Protocol, Data: cmd})
	if err != nil {
		return nil, err
	}
	if recv != nil {
		recv.Protocol = rsp.Protocol
	}
	return rsp.Data, nil
}

func (r *remoteCard) BeginTransaction() error {
	_, err := r.c.call(frame{Op: opBeginTransaction, Handle: r.handle})
	return err
}

func (r *remoteCard) EndTransaction(d pcsc.Disposition) error {
	_, err := r.c.call(frame{Op: opEndTransaction, Handle: r.handle, Disposition: d})
	return err
}

func (r *remoteCard) Control(code uint32, in []byte) ([]byte, error) {
	rsp, err := r.c.call(frame{Op: opControl, Handle: r.handle, Code: code, Data: in})
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

func (r *remoteCard) GetAttrib(id pcsc.Attrib) ([]byte, error) {
	rsp, err := r.c.call(frame{Op: opGetAttrib, Handle: r.handle, Attrib: id})
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

func (r *remoteCard) SetAttrib(id pcsc.Attrib, data []byte) error {
	_, err := r.c.call(frame{Op: opSetAttrib, Handle: r.handle, Attrib: id, Data: data})
	return err
}
