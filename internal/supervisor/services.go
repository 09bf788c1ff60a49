package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/logging"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts an HTTP server to suture. Cancelling the serve
// context shuts the server down gracefully.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}

// Connector is the feed manager as seen by the lifecycle service.
type Connector interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// FeedService owns the feed connection's lifetime: it optionally connects
// on start and always closes the connection (ending any live session) on
// stop.
type FeedService struct {
	conn            Connector
	autoConnect     bool
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

func NewFeedService(conn Connector, autoConnect bool, shutdownTimeout time.Duration) *FeedService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &FeedService{
		conn:            conn,
		autoConnect:     autoConnect,
		shutdownTimeout: shutdownTimeout,
		log:             logging.Component("feed"),
	}
}

func (f *FeedService) Serve(ctx context.Context) error {
	if f.autoConnect {
		// A failed connect leaves the manager OFFLINE; the operator retries.
		if err := f.conn.Connect(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("auto-connect failed")
		}
	}
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer cancel()
	if err := f.conn.Close(closeCtx); err != nil {
		return fmt.Errorf("closing feed: %w", err)
	}
	return ctx.Err()
}

func (f *FeedService) String() string {
	return "feed"
}
