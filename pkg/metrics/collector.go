package metrics

import (
	"time"

	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

// Collector periodically refreshes the fleet gauges from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.store.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[types.AgentStatus]int)
	for _, a := range agents {
		counts[a.Status]++
	}
	for _, status := range []types.AgentStatus{
		types.AgentStatusOffline,
		types.AgentStatusOnline,
		types.AgentStatusBusy,
		types.AgentStatusError,
		types.AgentStatusRevoked,
	} {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectJobMetrics() {
	tenants, err := c.store.ListTenants()
	if err != nil {
		return
	}
	TenantsTotal.Set(float64(len(tenants)))

	counts := make(map[types.JobStatus]int)
	for _, tenant := range tenants {
		jobs, err := c.store.ListJobsByTenant(tenant.ID)
		if err != nil {
			continue
		}
		for _, j := range jobs {
			counts[j.Status]++
		}
	}
	for _, status := range []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusAssigned,
		types.JobStatusRunning,
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusCancelled,
	} {
		JobsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
