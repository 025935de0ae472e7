package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vincentbai/attentrace/internal/agent"
	"github.com/vincentbai/attentrace/internal/models"
)

const (
	maxMessageSize  = 1 << 20
	wsReadTimeout   = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Ingestor applies signal batches and reports agent state.
type Ingestor interface {
	Ingest(ctx context.Context, signals []models.Signal) error
	Snapshot(ctx context.Context) (agent.Stats, error)
}

type Server struct {
	ingestor Ingestor
	address  string
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewServer(ingestor Ingestor, address string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		ingestor: ingestor,
		address:  address,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// The shim runs inside arbitrary pages.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.echo = s.setupRoutes()
	return s
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) setupRoutes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/healthz", s.handleHealthz)
	e.POST("/signals", s.handleSignals)
	e.GET("/signals/ws", s.handleSignalStream)
	e.GET("/stats", s.handleStats)
	return e
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleSignals(c echo.Context) error {
	var batch models.Batch
	if err := json.NewDecoder(c.Request().Body).Decode(&batch); err != nil {
		return c.String(http.StatusBadRequest, "Invalid JSON format")
	}
	if len(batch.Signals) == 0 {
		return c.NoContent(http.StatusNoContent)
	}
	for i, signal := range batch.Signals {
		if err := models.ValidateSignal(signal); err != nil {
			return c.String(http.StatusBadRequest, fmt.Sprintf("signal %d: %v", i, err))
		}
	}

	err := s.ingestor.Ingest(c.Request().Context(), batch.Signals)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, agent.ErrRejected):
		return c.String(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Printf("ERROR: ingest failed: %v", err)
		return c.String(http.StatusInternalServerError, "Failed to apply signals")
	}
}

// streamReply is written back for every stream message that was not applied.
type streamReply struct {
	Error string `json:"error"`
}

// handleSignalStream reads one batch per text message until the page goes
// away.
func (s *Server) handleSignalStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Printf("WARN: failed to upgrade signal stream: %v", err)
		return err
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	ctx := c.Request().Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("WARN: signal stream error: %v", err)
			}
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if err := s.applyMessage(ctx, message); err != nil {
			if werr := conn.WriteJSON(streamReply{Error: err.Error()}); werr != nil {
				return nil
			}
		}
	}
}

func (s *Server) applyMessage(ctx context.Context, message []byte) error {
	var batch models.Batch
	if err := json.Unmarshal(message, &batch); err != nil {
		return fmt.Errorf("invalid JSON message: %w", err)
	}
	if len(batch.Signals) == 0 {
		return nil
	}
	return s.ingestor.Ingest(ctx, batch.Signals)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.ingestor.Snapshot(c.Request().Context())
	if err != nil {
		s.logger.Printf("ERROR: stats: %v", err)
		return c.String(http.StatusServiceUnavailable, "agent unavailable")
	}
	return c.JSON(http.StatusOK, stats)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("attentrace agent listening on %s", s.address)
		if err := s.echo.Start(s.address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Println("Shutting down server...")
	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Println("Server exited")
	return nil
}
