package api

import (
	"fmt"
	"net/http"

	"github.com/paykit/paykit/pkg/paykit"
)

// Config holds configuration for the inspection API handler
type Config struct {
	// Storage is the billing store to read from (required)
	Storage paykit.Storage

	// GetResourceID extracts the resource ID from an HTTP request (required)
	// Use FromQuery or FromHeader for common patterns
	GetResourceID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional structured logging for API operations
	Logger paykit.Logger

	// Metrics is optional metrics recorder for API operations
	Metrics paykit.Metrics
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.GetResourceID == nil {
		return fmt.Errorf("getResourceID is required")
	}
	return nil
}

// NewHandler creates a new inspection API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &paykit.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &paykit.NoopMetrics{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common resource ID extraction patterns

// FromQuery returns a GetResourceID function that reads a query parameter
func FromQuery(param string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

// FromHeader returns a GetResourceID function that extracts the ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPath returns a GetResourceID function that takes the last path segment.
// Works with any router that leaves the ID at the end of the URL.
func FromPath() func(*http.Request) string {
	return func(r *http.Request) string {
		path := r.URL.Path
		for i := len(path) - 1; i >= 0; i-- {
			if path[i] == '/' {
				return path[i+1:]
			}
		}
		return path
	}
}
