package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

const shutdownTimeout = 10 * time.Second

// httpService runs an http.Server under the supervisor. Cancelling the
// supervisor context drains in-flight requests.
type httpService struct {
	srv *http.Server
	log logrus.FieldLogger
	// ready, when non-nil, receives the bound address on each start. The send
	// is dropped if nobody is receiving, so callers should buffer it.
	ready chan<- net.Addr
}

func newHTTPService(addr string, h http.Handler, log logrus.FieldLogger) *httpService {
	return &httpService{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		log: log,
	}
}

func (s *httpService) String() string { return "http" }

func (s *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		// a port that cannot be bound will not become bindable by retrying
		s.log.WithError(err).Error("listen failed")
		return suture.ErrTerminateSupervisorTree
	}
	if s.ready != nil {
		select {
		case s.ready <- ln.Addr():
		default:
		}
	}
	s.log.WithField("addr", ln.Addr().String()).Info("http server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("http shutdown incomplete")
		}
		s.log.Info("http server stopped")
		return ctx.Err()
	}
}
