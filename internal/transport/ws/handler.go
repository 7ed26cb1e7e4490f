package ws

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kernelgate/kbus/internal/bus"
	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/infrastructure/monitoring"
	"github.com/kernelgate/kbus/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The transport is local; the daemon binds loopback by default.
		return true
	},
}

// Handler upgrades websocket requests into command sessions.
type Handler struct {
	domain  *bus.Domain
	src     *meta.Source
	rl      config.RateLimitConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a websocket handler. src is the principal every
// session connects as; the metrics collector may be nil.
func NewHandler(domain *bus.Domain, src *meta.Source, rl config.RateLimitConfig, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{domain: domain, src: src, rl: rl, log: log, metrics: metrics}
}

// HandleConnection upgrades the request and runs the session loop until
// the socket closes. Closing the socket disconnects the session's bus
// connection.
func (h *Handler) HandleConnection(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		h:    h,
		sock: sock,
		sid:  id.NewSessionID(),
		ctx:  c.Request.Context(),
	}
	if h.rl.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(h.rl.RequestsPerSecond), h.rl.Burst)
	}

	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	h.log.Info("session opened", zap.String("session", s.sid.String()))

	s.run()

	if s.conn != nil {
		_ = s.conn.Disconnect()
	}
	_ = sock.Close()
	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
	h.log.Info("session closed", zap.String("session", s.sid.String()))
}

// session is one websocket command stream bound to at most one bus
// connection.
type session struct {
	h       *Handler
	sock    *websocket.Conn
	sid     id.SessionID
	ctx     context.Context
	limiter *rate.Limiter

	conn *bus.Connection
}

func (s *session) run() {
	for {
		_, data, err := s.sock.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := sonic.Unmarshal(data, &cmd); err != nil {
			s.reply(&Reply{Op: "error", Error: "malformed command", Kind: "invalid_argument"})
			continue
		}
		if s.h.metrics != nil {
			s.h.metrics.RecordWSMessage("in", cmd.Op)
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "command rate exceeded", Kind: "full"})
			continue
		}

		s.dispatch(&cmd)
	}
}

func (s *session) dispatch(cmd *Command) {
	if cmd.Op == "ping" {
		s.reply(&Reply{Op: "pong", ReqID: cmd.ReqID})
		return
	}
	if cmd.Op == "hello" {
		s.handleHello(cmd)
		return
	}
	if s.conn == nil {
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "hello required first", Kind: "invalid_argument"})
		return
	}

	switch cmd.Op {
	case "send":
		s.handleSend(cmd)
	case "recv":
		off, err := s.conn.Recv(cmd.Priority, cmd.Recv)
		s.result(cmd, off, err)
	case "recv_wait":
		off, err := s.conn.WaitRecv(s.ctx, cmd.Priority, cmd.Recv)
		s.result(cmd, off, err)
	case "read":
		msg, err := s.conn.Read(cmd.Offset)
		if err != nil {
			s.fail(cmd, err)
			return
		}
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Message: msg, Offset: cmd.Offset})
	case "release":
		s.done(cmd, s.conn.Release(cmd.Offset))
	case "cancel":
		s.done(cmd, s.conn.Cancel(cmd.Cookie))
	case "name_acquire":
		flags, err := s.conn.NameAcquire(cmd.Name, cmd.Flags)
		if err != nil {
			s.fail(cmd, err)
			return
		}
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Flags: flags})
	case "name_release":
		s.done(cmd, s.conn.NameRelease(cmd.Name))
	case "name_list":
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Names: s.conn.NameList()})
	case "conn_info":
		id, err := s.conn.QueryConnInfo(cmd.Name, cmd.ID, cmd.Attach)
		s.infoResult(cmd, id, err)
	case "bus_creator_info":
		id, err := s.conn.QueryBusCreatorInfo(cmd.Attach)
		s.infoResult(cmd, id, err)
	case "match_add":
		if cmd.Match == nil {
			s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "missing match entry", Kind: "invalid_argument"})
			return
		}
		s.done(cmd, s.conn.MatchAdd(*cmd.Match))
	case "match_remove":
		s.done(cmd, s.conn.MatchRemove(cmd.Cookie))
	case "update":
		s.done(cmd, s.conn.Update(cmd.Items))
	case "byebye":
		err := s.conn.ByeBye()
		if err == nil {
			s.conn = nil
		}
		s.done(cmd, err)
	default:
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "unknown op", Kind: "invalid_argument"})
	}
}

func (s *session) handleHello(cmd *Command) {
	if s.conn != nil {
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "session already attached", Kind: "already_exists"})
		return
	}
	b, err := s.h.domain.BusLookup(cmd.Bus)
	if err != nil {
		s.fail(cmd, err)
		return
	}
	epName := cmd.Endpoint
	if epName == "" {
		epName = bus.DefaultEndpointName
	}
	ep, err := b.EndpointLookup(epName)
	if err != nil {
		s.fail(cmd, err)
		return
	}
	conn, err := ep.Hello(s.h.src, cmd.Hello, cmd.Attach, cmd.Items)
	if err != nil {
		s.fail(cmd, err)
		return
	}
	s.conn = conn
	s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, ConnID: conn.ID()})
}

func (s *session) handleSend(cmd *Command) {
	if cmd.Message == nil {
		s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: "missing message", Kind: "invalid_message"})
		return
	}
	offset, err := s.conn.Send(s.ctx, cmd.Message)
	if err != nil {
		s.fail(cmd, err)
		return
	}
	r := &Reply{Op: cmd.Op, ReqID: cmd.ReqID, Offset: offset}
	if offset != 0 {
		// A sync request's reply is published in this session's pool;
		// hand the decoded message back with the offset.
		if msg, rerr := s.conn.Read(offset); rerr == nil {
			r.Message = msg
		}
	}
	s.reply(r)
}

func (s *session) result(cmd *Command, offset uint64, err error) {
	if err != nil {
		s.fail(cmd, err)
		return
	}
	s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Offset: offset})
}

func (s *session) infoResult(cmd *Command, offset uint64, err error) {
	if err != nil {
		s.fail(cmd, err)
		return
	}
	data, rerr := s.conn.PoolRead(offset)
	if rerr != nil {
		s.fail(cmd, rerr)
		return
	}
	info := make([]byte, len(data))
	copy(info, data)
	_ = s.conn.Release(offset)
	s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Info: info})
}

func (s *session) done(cmd *Command, err error) {
	if err != nil {
		s.fail(cmd, err)
		return
	}
	s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID})
}

func (s *session) fail(cmd *Command, err error) {
	s.reply(&Reply{Op: cmd.Op, ReqID: cmd.ReqID, Error: err.Error(), Kind: errKind(err)})
}

func (s *session) reply(r *Reply) {
	data, err := sonic.Marshal(r)
	if err != nil {
		s.h.log.Error("marshal reply", zap.String("session", s.sid.String()), zap.Error(err))
		return
	}
	if err := s.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		s.h.log.Warn("write reply", zap.String("session", s.sid.String()), zap.Error(err))
		return
	}
	if s.h.metrics != nil {
		s.h.metrics.RecordWSMessage("out", r.Op)
	}
}
