// Package gin provides a Gin handler for the inbound webhook endpoint.
package gin

import (
	"errors"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/pkg/webhook"
)

// Config holds handler configuration.
type Config struct {
	// Receiver verifies and enqueues inbound events (required).
	Receiver *webhook.Receiver

	// OnRejected is called when a request fails verification or parsing.
	// If nil, returns 400 JSON.
	OnRejected func(c *gongin.Context, err error)

	// OnQueueFull is called when the processing queue is at capacity.
	// If nil, returns 503 JSON so the sender redelivers.
	OnQueueFull func(c *gongin.Context)
}

// Handler creates a Gin handler that accepts signed webhook deliveries.
// Mount it on a POST route:
//
//	router.POST("/webhooks", ginadapter.Handler(Config{Receiver: rcv}))
func Handler(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Receiver == nil {
		panic("paykit/gin: Config.Receiver is required")
	}

	return func(c *gongin.Context) {
		c.Header("Cache-Control", "no-store")

		body, err := readBody(c, cfg.Receiver.MaxBodyBytes())
		if err != nil {
			rejected(cfg, c, err)
			return
		}

		switch err := cfg.Receiver.Accept(body, c.Request.Header); {
		case err == nil:
			c.String(http.StatusOK, "ok")
		case errors.Is(err, webhook.ErrQueueFull):
			if cfg.OnQueueFull != nil {
				cfg.OnQueueFull(c)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "server busy"})
			}
		default:
			rejected(cfg, c, err)
		}
	}
}

func rejected(cfg Config, c *gongin.Context, err error) {
	if cfg.OnRejected != nil {
		cfg.OnRejected(c, err)
		return
	}
	msg := "invalid payload"
	if errors.Is(err, paykit.ErrInvalidSignature) {
		msg = "invalid signature"
	}
	c.JSON(http.StatusBadRequest, gongin.H{"error": msg})
}

func readBody(c *gongin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	defer c.Request.Body.Close()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
