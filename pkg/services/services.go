// Package services defines the contract between the data-channel task and
// the per-service protocol engines. Adding a new service type means
// implementing Handler and registering it; the data-channel task never
// changes.
package services

import (
	"context"
	"fmt"
	"net"
)

// ErrUnsupportedOnThisService is returned by handlers that cannot serve
// the requested channel protocol, e.g. UDP on an SSH service.
var ErrUnsupportedOnThisService = fmt.Errorf("unsupported on this service")

// Handler terminates tunnel streams for one service. Ownership of the
// stream transfers to the handler, which reads and writes the user
// protocol on it until it closes it.
type Handler interface {
	// ServiceType is the human readable type name, e.g. "socks5".
	ServiceType() string

	// HandleTCP serves one TCP-forward stream to completion.
	HandleTCP(ctx context.Context, stream net.Conn) error

	// HandleUDP serves one UDP-forward stream to completion.
	HandleUDP(ctx context.Context, stream net.Conn) error
}

// Registry maps service names to their handlers. Built once at startup,
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("service %q registered twice", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}
