package common

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// Connection represents the WebSocket connection to the remote debugging
// endpoint and the root "browser session". Messages carrying a session id
// are routed to the matching Session; messages without one belong to the
// root session, i.e. the Connection itself.
type Connection struct {
	BaseEventEmitter

	ctx          context.Context
	wsURL        string
	logger       *log.Logger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	recvCh       chan *cdproto.Message
	closeCh      chan int
	errorCh      chan error
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials the given remote debugging WebSocket URL and starts
// the send/receive loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	var header http.Header
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, connErr := wsd.DialContext(ctx, wsURL, header)
	if connErr != nil {
		return nil, connErr
	}

	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		conn:             conn,
		sendCh:           make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		recvCh:           make(chan *cdproto.Message),
		closeCh:          make(chan int),
		errorCh:          make(chan error),
		done:             make(chan struct{}),
		msgID:            0,
		sessions:         make(map[target.SessionID]*Session),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// closeConnection cleanly closes the WebSocket connection.
// Returns an error if sending the close control frame fails.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:closeConnection", "wsURL:%q code:%d", c.wsURL, code)

		defer func() {
			_ = c.conn.Close()

			// Stop the main control loop
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)

		c.sessionsMu.Lock()
		for _, s := range c.sessions {
			s.close()
			delete(c.sessions, s.id)
		}
		c.sessionsMu.Unlock()

		c.emit(EventConnectionClose, nil)
	})

	return err
}

func (c *Connection) closeSession(sessionID target.SessionID) {
	c.logger.Debugf("Connection:closeSession", "sid:%v wsURL:%q", sessionID, c.wsURL)

	c.sessionsMu.Lock()
	if session, ok := c.sessions[sessionID]; ok {
		session.close()
	}
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

func (c *Connection) createSession(info *target.Info) (*Session, error) {
	c.logger.Debugf("Connection:createSession", "tid:%v wsURL:%q", info.TargetID, c.wsURL)

	var sessionID target.SessionID
	var err error
	action := target.AttachToTarget(info.TargetID).WithFlatten(true)
	if sessionID, err = action.Do(cdp.WithExecutor(c.ctx, c)); err != nil {
		c.logger.Debugf("Connection:createSession", "tid:%v wsURL:%q err:%v", info.TargetID, c.wsURL, err)
		return nil, err
	}
	sess := c.getSession(sessionID)
	if sess == nil {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// Report an unexpected closure to a pending command, if any.
		// Nobody listens when the connection is idle, and teardown
		// must not stall on that.
		select {
		case c.errorCh <- err:
		case <-c.done:
			return
		default:
		}
	}
	code := websocket.CloseGoingAway
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	select {
	case c.closeCh <- code:
	case <-c.done:
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			select {
			case c.errorCh <- err:
			case <-c.done:
				return
			default:
				c.logger.Debugf("cdp:recv", "discarding malformed message: %v", err)
			}
			continue
		}

		// Handle attachment and detachment from targets,
		// creating and deleting sessions as necessary.
		if msg.Method == cdproto.EventTargetAttachedToTarget {
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			eva := ev.(*target.EventAttachedToTarget)
			sid, tid := eva.SessionID, eva.TargetInfo.TargetID

			c.sessionsMu.Lock()
			session := NewSession(c.ctx, c, sid, tid, c.logger)
			c.sessions[sid] = session
			c.sessionsMu.Unlock()
		} else if msg.Method == cdproto.EventTargetDetachedFromTarget {
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			sessionID := ev.(*target.EventDetachedFromTarget).SessionID
			c.closeSession(sessionID)
		}

		switch {
		case msg.SessionID != "" && (msg.Method != "" || msg.ID != 0):
			session := c.getSession(msg.SessionID)
			if session == nil {
				continue
			}
			if msg.Error != nil && msg.Error.Message == "No session with given id" {
				c.closeSession(session.id)
				continue
			}

			select {
			case session.readCh <- &msg:
			case code := <-c.closeCh:
				_ = c.closeConnection(code)
			case <-c.done:
				return
			}

		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			c.emit(string(msg.Method), ev)

		case msg.ID != 0:
			c.emit("", &msg)

		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Connection) send(ctx context.Context, msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case c.sendCh <- msg:
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	}

	// Block waiting for response.
	if recvCh == nil {
		return nil
	}
	select {
	case msg := <-recvCh:
		switch {
		case msg == nil:
			return ErrChannelClosed
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	}

	return nil
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				select {
				case c.errorCh <- err:
				case <-c.done:
					return
				}
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case code := <-c.closeCh:
			_ = c.closeConnection(code)
		case <-c.done:
			return
		}
	}
}

// Close cleanly closes the WebSocket connection and all attached sessions.
func (c *Connection) Close() {
	_ = c.closeConnection(websocket.CloseGoingAway)
}

// Done returns a channel that is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive on the root session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	c.logger.Debugf("Connection:Execute", "wsURL:%q method:%q", c.wsURL, method)
	id := atomic.AddInt64(&c.msgID, 1)

	// Setup event handler used to block for response to message being sent.
	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if msg, ok := ev.data.(*cdproto.Message); ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						// We expect only one response with the matching message ID,
						// then remove event handler by cancelling context and stopping goroutine.
						evCancelFn()
						return
					}
				}
			}
		}
	}()
	c.onAll(evCancelCtx, chEvHandler)
	defer evCancelFn() // Remove event handler

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	return c.send(ctx, msg, ch, res)
}
