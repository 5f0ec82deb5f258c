package services

import (
	"context"
	"net"
	"testing"

	"github.com/molerat-dev/molerat/pkg/utils/assert"
)

type fakeHandler struct{ name string }

func (f *fakeHandler) ServiceType() string                              { return f.name }
func (f *fakeHandler) HandleTCP(ctx context.Context, s net.Conn) error  { return nil }
func (f *fakeHandler) HandleUDP(ctx context.Context, s net.Conn) error  { return ErrUnsupportedOnThisService }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.NoError(t, r.Register("a", &fakeHandler{name: "socks5"}))
	assert.NoError(t, r.Register("b", &fakeHandler{name: "ssh"}))

	// duplicate names are rejected
	assert.Error(t, r.Register("a", &fakeHandler{name: "ssh"}))

	h, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "socks5", h.ServiceType())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
