//go:build linux

package main

import (
	"github.com/goceleris/sockd/internal/config"
	"github.com/goceleris/sockd/internal/driver"
)

// newTransport returns the TCP transport shared by every driver.
func newTransport(cfg *config.Config) (driver.Transport, error) {
	return &driver.TCPTransport{NoDelay: cfg.NoDelay, DeferAccept: cfg.DeferAccept}, nil
}
