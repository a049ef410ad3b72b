package core

import (
	"github.com/coldwire/s2s/internal/api/handlers"
	"github.com/coldwire/s2s/internal/api/models"
	"github.com/coldwire/s2s/internal/dialback"
	"github.com/coldwire/s2s/internal/registry"
)

// Snapshot is safe to call from any goroutine (the admin API's HTTP
// handlers in particular): it hands a reply channel to the loop goroutine
// over snapshotReq and blocks for buildSnapshot's result, so the actual
// read of registry/queue/DNS-cache state always happens on the goroutine
// that owns it. If the loop has already shut down the request never gets
// a reply; callers should wire a request-scoped timeout upstream.
func (l *Loop) Snapshot() handlers.Snapshot {
	reply := make(chan handlers.Snapshot, 1)
	l.snapshotReq <- reply
	return <-reply
}

// buildSnapshot does the actual read of loop-owned state; it must only
// run on the loop goroutine, reached via the snapshotReq case in Run.
func (l *Loop) buildSnapshot() handlers.Snapshot {
	conns := l.reg.All()
	var out, in int
	for _, c := range conns {
		if c.Direction == registry.Outbound {
			out++
		} else {
			in++
		}
	}

	var routesQueued, stanzasQueued int
	for _, route := range l.queues.Routes() {
		routesQueued++
		stanzasQueued += l.queues.Len(route)
	}

	var routes []models.RouteEntry
	for _, c := range conns {
		for route, state := range c.Routes {
			routes = append(routes, models.RouteEntry{
				From:  route.From(),
				To:    route.To(),
				State: stateName(state.Kind),
			})
		}
	}

	connected, retryLeft := l.router.Status()

	return handlers.Snapshot{
		Connections: models.ConnectionStats{
			OutboundLive: out,
			InboundLive:  in,
			TotalLive:    out + in,
		},
		Queues: models.QueueStats{
			RoutesWithBacklog: routesQueued,
			StanzasQueued:     stanzasQueued,
		},
		DNSCache: models.DNSCacheStats{
			Entries:      l.dns.Len(),
			BadEndpoints: l.dns.BadLen(),
		},
		RouterLink: models.RouterLinkStats{
			Connected: connected,
			RetryLeft: retryLeft,
		},
		Routes: routes,
	}
}

func stateName(k dialback.StateKind) string {
	return k.String()
}
