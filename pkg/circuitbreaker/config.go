package circuitbreaker

import "vitalsync/internal/config"

// FromConfig overlays the configured settings on DefaultConfig(name).
func FromConfig(name string, cfg config.CircuitBreakerConfig) Config {
	out := DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		out.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 {
		minRequests := cfg.MinRequests
		if minRequests == 0 {
			minRequests = 3
		}
		out.ReadyToTrip = RatioTrip(minRequests, cfg.FailureRatio)
	}
	return out
}
