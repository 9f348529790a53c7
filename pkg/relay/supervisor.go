package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/olafproto/relay/pkg/audit"
	rcrypto "github.com/olafproto/relay/pkg/crypto"
	"github.com/olafproto/relay/pkg/sidecar"
)

// Server is the Supervisor: it owns the Registry, the
// ConnTable, every Dialer, and the websocket listener, and wires them
// together into a running relay. Grounded on pkg/atlas.Server's Run/
// graceful-shutdown shape.
type Server struct {
	Config *Config
	Logger zerolog.Logger

	Keypair       *rcrypto.Keypair
	Neighbourhood Neighbourhood

	registry *Registry
	conns    *ConnTable
	router   *Router

	connSeq atomic.Uint64

	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// NewServer builds a Server ready to Run. c and keypair must already be
// populated; callers typically get keypair from pkg/idpersist and the
// neighbourhood from pkg/neighbourhood before constructing the Server.
func NewServer(c *Config, keypair *rcrypto.Keypair, neighbourhood Neighbourhood, logger zerolog.Logger) *Server {
	registry := NewRegistry()
	conns := NewConnTable()
	router := NewRouter(registry, conns, neighbourhood, c.Address(), logger)

	return &Server{
		Config:        c,
		Logger:        logger,
		Keypair:       keypair,
		Neighbourhood: neighbourhood,
		registry:      registry,
		conns:         conns,
		router:        router,
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Registry exposes the relay's membership store, e.g. for a metrics or
// admin endpoint to report current counts.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) nextConnID() ConnID {
	return ConnID(s.connSeq.Add(1))
}

// Run starts accepting connections, dials every configured neighbour, and
// blocks until ctx is canceled. Shutdown then stops accepting, closes every
// active connection with a normal-closure reason, and returns once the
// listener has stopped or Config.ShutdownGrace elapses.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	if s.Config.AuditDB != "" {
		journal, err := audit.Open(ctx, s.Config.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		s.router.SetJournal(journal)
		defer journal.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade(ctx))
	if s.Config.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/metrics", s.handleMetrics)
		metricsSrv := &http.Server{Addr: s.Config.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer metricsSrv.Close()
	}
	if s.Config.UploadsDir != "" {
		sc, err := sidecar.NewSidecar(s.Config.UploadsDir, "http://"+s.Config.Address(), s.Logger)
		if err != nil {
			return fmt.Errorf("start file sidecar: %w", err)
		}
		sc.GzipListing = true
		sc.TrustProxyHeaders = s.Config.TrustProxyHeaders
		sc.Register(mux)
	}

	addr := s.Config.ListenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.Config.Port)
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	for _, addr := range neighbourAddresses(s.Neighbourhood) {
		d := NewDialer(addr, s.router, s.registry, s.conns, s.buildServerHello, s.nextConnID, s.Logger)
		go d.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info().Str("addr", addr).Msg("relay listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.Config.ShutdownGrace)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

// Stop cancels the Supervisor's run context, triggering graceful shutdown.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) handleUpgrade(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		id := s.nextConnID()
		c := NewConnection(id, ws, s.registry, s.router.Handle, s.Logger)
		c.SetOnClose(s.router.HandleDisconnect)
		s.router.record(id, audit.KindConnOpened, "", "", r.RemoteAddr)
		go c.Run(ctx)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	Metrics().WritePrometheus(w)
}

// buildServerHello produces this relay's own server_hello signed_data
// frame, used once per outbound dial. The counter is the current unix time
// in milliseconds: monotonic across process restarts without any persisted
// state, at the cost of requiring a roughly correct clock.
func (s *Server) buildServerHello() ([]byte, error) {
	counter := time.Now().UnixMilli()
	data := fmt.Sprintf(`{"type":"server_hello","sender":%q}`, s.Config.Address())

	sig, err := rcrypto.Sign(s.Keypair.Private, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("sign server_hello: %w", err)
	}
	return EncodeSignedData([]byte(data), counter, base64.StdEncoding.EncodeToString(sig))
}

// neighbourAddresses adapts the relay.Neighbourhood interface (which only
// exposes Allowed) to get the full address list when the concrete type also
// implements an Addresses() method, as pkg/neighbourhood.Map does.
func neighbourAddresses(n Neighbourhood) []string {
	type lister interface{ Addresses() []string }
	if l, ok := n.(lister); ok {
		return l.Addresses()
	}
	return nil
}
