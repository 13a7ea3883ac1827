// Package discovery publishes and browses the engine's mDNS/DNS-SD
// service record on the local link.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type advertised by senders.
	ServiceType = "_file-transfer._tcp"
	domain      = "local."
)

// Service describes one discovered sender on the local link.
type Service struct {
	Name      string
	Host      string
	Addresses []string
	Port      int
	Hostname  string
}

// Advertiser owns at most one live service registration.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
	logger *slog.Logger
}

// NewAdvertiser creates an advertiser that is initially unpublished.
func NewAdvertiser(logger *slog.Logger) *Advertiser {
	return &Advertiser{logger: logger}
}

// Publish registers the service record. Calling Publish while a
// registration is live is a no-op.
func (a *Advertiser) Publish(instance string, port int, hostname, version string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	txt := []string{
		"hostname=" + hostname,
		"version=" + version,
	}
	server, err := zeroconf.Register(instance, ServiceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	a.logger.Info("advertising started", "instance", instance, "port", port)
	return nil
}

// Unpublish withdraws the service record. Safe to call at any time,
// including during shutdown and when nothing is published.
func (a *Advertiser) Unpublish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("advertising stopped")
}

// Active reports whether a registration is currently live.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Browse collects senders visible on the local link for the given
// window and returns the final snapshot. Discovery is best-effort:
// browser errors are logged and the partial set is still returned.
func Browse(ctx context.Context, window time.Duration, logger *slog.Logger) []Service {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn("mdns resolver unavailable", "error", err)
		return nil
	}

	browseCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	set := newPeerSet()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			svc := Service{
				Name:     entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
				Hostname: txtValue(entry.Text, "hostname"),
			}
			for _, ip := range entry.AddrIPv4 {
				svc.Addresses = append(svc.Addresses, ip.String())
			}
			if entry.TTL == 0 {
				set.Down(svc.Name)
			} else {
				set.Up(svc)
			}
		}
	}()

	if err := resolver.Browse(browseCtx, ServiceType, domain, entries); err != nil {
		// Browse failed before the resolver took ownership of entries.
		logger.Warn("mdns browse failed", "error", err)
		close(entries)
		<-done
		return set.Snapshot()
	}

	<-browseCtx.Done()
	<-done
	return set.Snapshot()
}

func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, kv := range txt {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}
