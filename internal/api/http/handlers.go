package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kernelgate/kbus/internal/bus"
	"github.com/kernelgate/kbus/internal/infrastructure/monitoring"
)

// Handlers holds the dependencies of the introspection endpoints.
type Handlers struct {
	domain  *bus.Domain
	metrics *monitoring.Metrics
}

// NewHandlers creates the handler set. The metrics collector may be nil,
// in which case /stats reports an empty snapshot.
func NewHandlers(domain *bus.Domain, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{domain: domain, metrics: metrics}
}

// Health reports liveness and the bus count.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"buses":  len(h.domain.Buses()),
	})
}

// Stats returns the engine counter snapshot.
func (h *Handlers) Stats(c *gin.Context) {
	var snap monitoring.Snapshot
	if h.metrics != nil {
		snap = h.metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, snap)
}

type busView struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Connections int    `json:"connections"`
	BloomSize   uint64 `json:"bloom_size"`
	BloomHashes uint64 `json:"bloom_hashes"`
}

// Buses lists the live buses.
func (h *Handlers) Buses(c *gin.Context) {
	buses := h.domain.Buses()
	out := make([]busView, 0, len(buses))
	for _, b := range buses {
		bloom := b.BloomParameter()
		out = append(out, busView{
			Name:        b.Name(),
			ID:          b.ID().String(),
			Connections: b.ConnCount(),
			BloomSize:   bloom.Size,
			BloomHashes: bloom.Hashes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"buses": out})
}

// BusNames lists the registered names of one bus.
func (h *Handlers) BusNames(c *gin.Context) {
	b, err := h.domain.BusLookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bus":   b.Name(),
		"names": b.Names().List(),
	})
}
