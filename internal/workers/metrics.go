package workers

// Metrics returns the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inFlight
}
