// Package control serves the optional local HTTP surface of a running
// session: a JSON status endpoint, a websocket feed of phase changes that
// also accepts latency change requests, and Prometheus metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const shutdownTimeout = 2 * time.Second

// Session is the part of the orchestrator the control surface drives.
type Session interface {
	Status() domain.Status
	RequestLatency(p domain.LatencyProfile, reason string) bool
}

// Message is the websocket wire format in both directions.
type Message struct {
	Type     string         `json:"type"`
	Phase    string         `json:"phase,omitempty"`
	From     string         `json:"from,omitempty"`
	Latency  string         `json:"latency,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Profile  string         `json:"profile,omitempty"`
	Accepted *bool          `json:"accepted,omitempty"`
	Error    string         `json:"error,omitempty"`
	Status   *domain.Status `json:"status,omitempty"`
}

// Server is the control HTTP server. It is also a session Observer.
type Server struct {
	addr     string
	session  Session
	gatherer prometheus.Gatherer
	logger   domain.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

var _ domain.Observer = (*Server)(nil)

// NewServer creates a Server listening on addr once Serve is called.
func NewServer(addr string, session Session, gatherer prometheus.Gatherer, logger domain.Logger) *Server {
	return &Server{
		addr:     addr,
		session:  session,
		gatherer: gatherer,
		logger:   logger,
		hub:      newHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.closeAll()
	}()

	s.logger.Info("control server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.session.Status()); err != nil {
		s.logger.Warn("write status", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", "err", err)
		return
	}

	c := s.hub.add(conn)
	s.logger.Debug("ws client connected", "remote", r.RemoteAddr)
	st := s.session.Status()
	s.hub.sendTo(c, Message{Type: "status", Status: &st})

	go func() {
		defer func() {
			s.hub.remove(c)
			s.logger.Debug("ws client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleMessage(c, data)
		}
	}()
}

func (s *Server) handleMessage(c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.hub.sendTo(c, Message{Type: "error", Error: "invalid json"})
		return
	}

	switch msg.Type {
	case "latency":
		p, err := domain.ParseLatency(msg.Profile)
		if err != nil {
			s.hub.sendTo(c, Message{Type: "error", Error: err.Error()})
			return
		}
		accepted := s.session.RequestLatency(p, "control")
		s.hub.sendTo(c, Message{Type: "latency", Latency: p.String(), Accepted: &accepted})
	case "status":
		st := s.session.Status()
		s.hub.sendTo(c, Message{Type: "status", Status: &st})
	default:
		s.hub.sendTo(c, Message{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

func (s *Server) PhaseChanged(from, to domain.Phase) {
	s.hub.broadcast(Message{Type: "phase", Phase: to.String(), From: from.String()})
}

func (s *Server) RestartQueued(latency domain.LatencyProfile, reason string) {
	s.hub.broadcast(Message{Type: "restart", Latency: latency.String(), Reason: reason})
}

func (s *Server) StatusChanged(domain.Status)               {}
func (s *Server) EncoderStarted(int, domain.LatencyProfile) {}
func (s *Server) EncoderStopped(int)                        {}
func (s *Server) TeardownFailed(string, error)              {}
