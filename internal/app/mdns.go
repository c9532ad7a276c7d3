package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_beemap._tcp"

type mdnsServer struct {
	srv *zeroconf.Server
}

// startMDNS advertises the viewer on the local network so map clients can
// find it without knowing the host address.
func (a *App) startMDNS() error {
	instance := sanitizeInstance(hostname())

	srv, err := zeroconf.Register(
		instance,
		mdnsService,
		"local.",
		a.cfg.HTTPPort,
		[]string{fmt.Sprintf("http_port=%d", a.cfg.HTTPPort)},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns.srv = srv
	a.logger.Info("mdns service registered", "instance", instance, "service", mdnsService, "port", a.cfg.HTTPPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns.srv != nil {
		a.mdns.srv.Shutdown()
		a.mdns.srv = nil
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "beemap"
	}
	return name
}

// sanitizeInstance keeps the instance name within the charset mDNS
// responders agree on.
func sanitizeInstance(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == ' ':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "beemap"
	}
	return "beemap-" + out
}
