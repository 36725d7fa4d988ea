// Package gateway serves the duplex client socket and the synchronous
// message endpoint.
package gateway

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const connKind = "websocket"

// Config tunes the socket server.
type Config struct {
	StreamMin    time.Duration `json:"stream_min"`
	StreamMax    time.Duration `json:"stream_max"`
	WriteWait    time.Duration `json:"write_wait"`
	PongWait     time.Duration `json:"pong_wait"`
	SendBuffer   int           `json:"send_buffer"`
	MaxFrameSize int64         `json:"max_frame_size"`
	// RatePerSecond and RateBurst bound inbound frames per client.
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
}

// DefaultConfig returns the default socket settings.
func DefaultConfig() Config {
	return Config{
		StreamMin:     5 * time.Second,
		StreamMax:     15 * time.Second,
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		SendBuffer:    256,
		MaxFrameSize:  64 << 10,
		RatePerSecond: 10,
		RateBurst:     20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StreamMin <= 0 {
		c.StreamMin = d.StreamMin
	}
	if c.StreamMax < c.StreamMin {
		c.StreamMax = c.StreamMin
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// Server accepts client sockets and dispatches their frames.
type Server struct {
	cfg      Config
	hub      *Hub
	opt      *delivery.Optimizer
	orch     *orchestrator.Orchestrator
	mem      *memory.Store
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewServer wires the socket server. opt must deliver through hub.Deliver.
func NewServer(cfg Config, hub *Hub, opt *delivery.Optimizer, orch *orchestrator.Orchestrator, mem *memory.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:  cfg.withDefaults(),
		hub:  hub,
		opt:  opt,
		orch: orch,
		mem:  mem,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*websocket.Conn),
		logger: logger,
	}
}

// Attach forwards health alerts to every client as critical_update.
func (s *Server) Attach(bus *eventbus.Bus) (eventbus.SubscriptionID, error) {
	return bus.Subscribe(eventbus.HealthAlert, func(ev eventbus.Event) error {
		p, _ := ev.Payload.(eventbus.HealthAlertPayload)
		f := newFrame(TypeCriticalUpdate)
		f.Content = p.Message
		f.Data = p
		s.Broadcast(f)
		return nil
	})
}

// OnSlowTick broadcasts the current state to every client. Register it after
// the orchestrator so the snapshot includes that tick's merge.
func (s *Server) OnSlowTick(context.Context, time.Time) {
	if s.hub.Len() == 0 {
		return
	}
	s.Broadcast(stateFrame(s.orch.State()))
}

// Broadcast enqueues f for every connected client at its type's priority.
func (s *Server) Broadcast(f *Frame) {
	p := delivery.PriorityFor(f.Type)
	for _, id := range s.hub.IDs() {
		s.opt.Enqueue(id, f, p)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int { return s.hub.Len() }

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst),
	}
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conns[c.id] = conn
	s.mu.Unlock()
	s.hub.register(c.id, c.send)
	s.opt.GetConnection(c.id, connKind)
	s.logger.Info("client connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	s.wg.Add(2)
	go s.writePump(ctx, c)
	go s.stream(ctx, c)

	s.opt.Enqueue(c.id, stateFrame(s.orch.State()), delivery.High)
	s.readPump(ctx, c)

	cancel()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.hub.unregister(c.id)
	s.opt.DropClient(c.id)
	s.opt.CloseConnection(c.id, connKind)
	s.logger.Info("client disconnected", zap.String("client", c.id))
}

func (s *Server) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(s.cfg.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		s.opt.ReleaseConnection(c.id, connKind)
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.opt.ReleaseConnection(c.id, connKind)

		if !c.limiter.Allow() {
			s.opt.Enqueue(c.id, errorFrame("rate limit exceeded"), delivery.High)
			continue
		}
		s.handleFrame(ctx, c.id, data)
	}
}

func (s *Server) writePump(ctx context.Context, c *client) {
	defer s.wg.Done()
	ping := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("client write failed", zap.String("client", c.id), zap.Error(err))
				c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// stream emits a spontaneous thought at a per-client random interval.
func (s *Server) stream(ctx context.Context, c *client) {
	defer s.wg.Done()
	interval := s.cfg.StreamMin
	if span := s.cfg.StreamMax - s.cfg.StreamMin; span > 0 {
		interval += rand.N(span)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.opt.Enqueue(c.id, thoughtFrame(s.orch.State()), delivery.Low)
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
