// Package echo provides an Echo handler for the inbound webhook endpoint.
package echo

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/pkg/webhook"
)

// Config holds handler configuration.
type Config struct {
	// Receiver verifies and enqueues inbound events (required).
	Receiver *webhook.Receiver

	// OnRejected is called when a request fails verification or parsing.
	// If nil, returns 400 JSON.
	OnRejected func(c echo.Context, err error) error

	// OnQueueFull is called when the processing queue is at capacity.
	// If nil, returns 503 JSON so the sender redelivers.
	OnQueueFull func(c echo.Context) error
}

// Handler creates an Echo handler that accepts signed webhook deliveries.
// Mount it on a POST route:
//
//	e.POST("/webhooks", echoadapter.Handler(Config{Receiver: rcv}))
func Handler(cfg Config) echo.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Receiver == nil {
		panic("paykit/echo: Config.Receiver is required")
	}

	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")

		body, err := readBody(c, cfg.Receiver.MaxBodyBytes())
		if err != nil {
			return rejected(cfg, c, err)
		}

		switch err := cfg.Receiver.Accept(body, c.Request().Header); {
		case err == nil:
			return c.String(http.StatusOK, "ok")
		case errors.Is(err, webhook.ErrQueueFull):
			if cfg.OnQueueFull != nil {
				return cfg.OnQueueFull(c)
			}
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server busy"})
		default:
			return rejected(cfg, c, err)
		}
	}
}

func rejected(cfg Config, c echo.Context, err error) error {
	if cfg.OnRejected != nil {
		return cfg.OnRejected(c, err)
	}
	msg := "invalid payload"
	if errors.Is(err, paykit.ErrInvalidSignature) {
		msg = "invalid signature"
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func readBody(c echo.Context, limit int64) ([]byte, error) {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response().Writer, req.Body, limit)
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
