//go:build !linux

package main

import (
	"errors"

	"github.com/goceleris/sockd/internal/config"
	"github.com/goceleris/sockd/internal/driver"
)

// newTransport is a stub for non-Linux platforms.
func newTransport(cfg *config.Config) (driver.Transport, error) {
	return nil, errors.New("the TCP transport is only supported on Linux")
}
