// Package models holds the JSON response shapes for the admin/debug API.
package models

import "time"

// StatusResponse is the /health payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MemoryStats reports host memory usage, sourced from gopsutil.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats reports host CPU usage, sourced from gopsutil.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// ConnectionStats summarizes the connection registry.
type ConnectionStats struct {
	OutboundLive int `json:"outbound_live"`
	InboundLive  int `json:"inbound_live"`
	TotalLive    int `json:"total_live"`
}

// QueueStats summarizes the outbound queue table.
type QueueStats struct {
	RoutesWithBacklog int `json:"routes_with_backlog"`
	StanzasQueued     int `json:"stanzas_queued"`
}

// DNSCacheStats summarizes the DNS cache.
type DNSCacheStats struct {
	Entries      int `json:"entries"`
	BadEndpoints int `json:"bad_endpoints"`
}

// RouterLinkStats summarizes router link health.
type RouterLinkStats struct {
	Connected bool `json:"connected"`
	RetryLeft int  `json:"retry_left"`
}

// ServerStatsResponse is the /stats payload.
type ServerStatsResponse struct {
	Uptime        string          `json:"uptime"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartTime     time.Time       `json:"start_time"`
	CPU           CPUStats        `json:"cpu"`
	Memory        MemoryStats     `json:"memory"`
	Connections   ConnectionStats `json:"connections"`
	Queues        QueueStats      `json:"queues"`
	DNSCache      DNSCacheStats   `json:"dns_cache"`
	RouterLink    RouterLinkStats `json:"router_link"`
}

// RouteEntry describes one live route for the /routes introspection
// endpoint.
type RouteEntry struct {
	From  string `json:"from"`
	To    string `json:"to"`
	State string `json:"state"`
}

// RoutesResponse is the /routes payload.
type RoutesResponse struct {
	Routes []RouteEntry `json:"routes"`
}
