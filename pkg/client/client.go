// Package client is the orchestrator: one control channel per configured
// service, all sharing one transport, torn down together on shutdown.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/resolver"
	"github.com/molerat-dev/molerat/pkg/services"
	"github.com/molerat-dev/molerat/pkg/services/socks"
	"github.com/molerat-dev/molerat/pkg/services/sshd"
	"github.com/molerat-dev/molerat/pkg/transport"
)

// Run builds the service handlers and supervises one control channel per
// service until shutdown. It returns an error only when startup fails or
// every service terminated fatally; individual failures keep the rest
// running.
func Run(ctx context.Context, conf *config.Config) error {
	tr, err := transport.New(&conf.Client)
	if err != nil {
		return err
	}

	remote := resolver.NewAddrCache(conf.Client.RemoteAddr)

	effective := conf.EffectiveServices()
	registry := services.NewRegistry()
	for _, svc := range effective {
		handler, err := buildHandler(svc)
		if err != nil {
			return fmt.Errorf("%w: service %q: %v", config.ErrConfig, svc.Name, err)
		}
		if err := registry.Register(svc.Name, handler); err != nil {
			return fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(effective))

	for i, svc := range effective {
		handler, _ := registry.Get(svc.Name)
		cc := NewControlChannel(&conf.Client, svc, tr, remote, handler)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = cc.Run(ctx)
		}()

		log.Info("service started", "service", svc.Name, "event", "start", "type", handler.ServiceType())
	}

	wg.Wait()

	if ctx.Err() != nil {
		log.Info("shutdown complete", "event", "exit")
		return nil
	}

	// the process fails only when nothing is left standing
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(errs) {
		return errors.Join(errs...)
	}
	return nil
}

func buildHandler(svc config.ServiceConfig) (services.Handler, error) {
	switch svc.ServiceType {
	case config.ServiceSocks5:
		c := svc.Socks
		if c == nil {
			c = &config.SocksConfig{}
			c.SetDefault()
		}
		return socks.NewHandler(c), nil

	case config.ServiceSSH:
		c := svc.SSH
		if c == nil {
			c = &config.SSHConfig{}
			c.SetDefault()
		}
		return sshd.NewHandler(c)

	default:
		return nil, fmt.Errorf("unknown service type %q", svc.ServiceType)
	}
}
