// Package status serves the HTTP status endpoint sharing the consumer
// listener: name and version for everyone, process and gateway statistics
// for service tokens.
package status

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/server"
)

const ServerName = "snapper"

type ProducerStats interface {
	Stats() server.Stats
}

type ConsumerStats interface {
	Stats() gateway.Stats
}

type Info struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type ProcessStats struct {
	Info
	ServerID      string       `json:"serverId"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	Goroutines    int          `json:"goroutines"`
	CPUs          int          `json:"cpus"`
	MemoryAlloc   uint64       `json:"memoryAlloc"`
	MemorySys     uint64       `json:"memorySys"`
	UptimeSeconds int64        `json:"uptime"`
	Stats         GatewayStats `json:"stats"`
}

type GatewayStats struct {
	ProducerConnections int   `json:"producerConnections"`
	ProducerMessages    int64 `json:"producerMessages"`
	Consumers           int   `json:"consumers"`
	ConsumersTotal      int64 `json:"consumersTotal"`
}

type Handler struct {
	verifier  auth.Verifier
	info      Info
	serverID  string
	started   time.Time
	producers ProducerStats
	consumers ConsumerStats
}

// NewHandler builds the status handler. An empty serverID gets a random one.
func NewHandler(verifier auth.Verifier, version, serverID string, producers ProducerStats, consumers ConsumerStats) *Handler {
	if serverID == "" {
		serverID = uuid.NewString()
	}
	return &Handler{
		verifier:  verifier,
		info:      Info{Server: ServerName, Version: version},
		serverID:  serverID,
		started:   time.Now(),
		producers: producers,
		consumers: consumers,
	}
}

// ServerID identifies this process in statistics and logs.
func (h *Handler) ServerID() string {
	return h.serverID
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path == "/stats" && h.authorized(r) {
		writeJSON(w, h.processStats())
		return
	}
	writeJSON(w, h.info)
}

func (h *Handler) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		logger.DebugF("Stats request from %s rejected: %v", r.RemoteAddr, err)
		return false
	}
	return auth.IsStatsClaims(claims)
}

func (h *Handler) processStats() ProcessStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, _ := os.Hostname()

	stats := ProcessStats{
		Info:          h.info,
		ServerID:      h.serverID,
		Hostname:      hostname,
		PID:           os.Getpid(),
		Goroutines:    runtime.NumGoroutine(),
		CPUs:          runtime.NumCPU(),
		MemoryAlloc:   mem.Alloc,
		MemorySys:     mem.Sys,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.producers != nil {
		p := h.producers.Stats()
		stats.Stats.ProducerConnections = p.Connections
		stats.Stats.ProducerMessages = p.Messages
	}
	if h.consumers != nil {
		c := h.consumers.Stats()
		stats.Stats.Consumers = c.Consumers
		stats.Stats.ConsumersTotal = c.ConsumersTotal
	}
	return stats
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnF("Fail to write status response, details: %v", err)
	}
}
