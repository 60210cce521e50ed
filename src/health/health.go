// Package health exposes the operational surface of the daemon: a liveness
// probe and a status query reporting each managed resource's supervisor
// state and the relay's queue/drop counters.
package health

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/valyala/fasthttp"

	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/relay"
	"github.com/skyrelay/skyrelay/src/supervisor"
)

type statusPayload struct {
	Resources map[string]supervisor.ResourceState `json:"resources"`
	Relay     relay.Stats                         `json:"relay"`
}

type Server struct {
	logger *slog.Logger
	addr   string
	store  *supervisor.Store
	relay  *relay.Relay

	srv *fasthttp.Server
	ln  net.Listener
}

func New(logger *slog.Logger, addr string, store *supervisor.Store, rel *relay.Relay) *Server {
	s := &Server{
		logger: logger.With("context", "Health"),
		addr:   addr,
		store:  store,
		relay:  rel,
	}
	s.srv = &fasthttp.Server{
		Handler: s.handle,
		Name:    "skyrelay-health",
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("health endpoint listening", "address", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.logger.Error("health server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/status":
		s.handleStatus(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	payload := statusPayload{
		Resources: s.store.Snapshot(),
		Relay:     s.relay.Stats(),
	}
	body, err := encdec.EncodeJSON(&payload)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
