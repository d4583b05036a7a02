package telemetry

import "fmt"

// Recommendation is one rule-derived optimization suggestion.
type Recommendation struct {
	Component string `json:"component"`
	Rule      string `json:"rule"`
	Message   string `json:"message"`
}

// Recommend derives optimization suggestions from a registry snapshot and
// the latest health check. Rules are deliberately simple: each one reads a
// small number of counters and produces at most one suggestion.
func Recommend(reg *Registry, health SystemHealth) []Recommendation {
	var recs []Recommendation

	// Quote cache hit rate.
	hits := reg.Get("quotes", "cache_hits") + reg.Get("quotes", "persistent_hits")
	misses := reg.Get("quotes", "cache_misses")
	if total := hits + misses; total >= 100 {
		rate := float64(hits) / float64(total)
		if rate < warnHitRate {
			recs = append(recs, Recommendation{
				Component: "quotes",
				Rule:      "low_cache_hit_rate",
				Message:   fmt.Sprintf("quote cache hit rate %.0f%% is below %.0f%%: increase TTLs or widen the coalescing window", rate*100, warnHitRate*100),
			})
		}
	}

	// Coalescer effectiveness.
	coalesced := reg.Get("quotes", "coalesced")
	upstream := reg.Get("quotes", "upstream_calls")
	if upstream >= 50 && coalesced == 0 {
		recs = append(recs, Recommendation{
			Component: "quotes",
			Rule:      "no_coalescing",
			Message:   "no requests were coalesced across the last window: callers may be fetching serially; prefer FetchMany for multi-key reads",
		})
	}

	// Stream drops.
	if dropped := reg.Get("stream", "dropped_updates"); dropped > 0 {
		recs = append(recs, Recommendation{
			Component: "stream",
			Rule:      "dropped_updates",
			Message:   fmt.Sprintf("%d stream updates dropped from bounded buffers: raise subscriber buffer sizes or reduce subscribed topics", dropped),
		})
	}

	// Reconnect churn.
	if reconnects := reg.Get("stream", "reconnects"); reconnects >= 5 {
		recs = append(recs, Recommendation{
			Component: "stream",
			Rule:      "reconnect_churn",
			Message:   fmt.Sprintf("%d stream reconnects recorded: upstream connectivity is unstable, consider raising the backoff cap", reconnects),
		})
	}

	// Summarizer capacity rejections.
	if rejected := reg.Get("summarize", "capacity_rejections"); rejected > 0 {
		recs = append(recs, Recommendation{
			Component: "summarize",
			Rule:      "queue_capacity",
			Message:   fmt.Sprintf("%d summarization requests rejected at capacity: raise the queue bound or flush more often", rejected),
		})
	}

	// Degraded components from the last health check.
	for _, c := range health.Components {
		if c.Status == StatusCritical.String() || c.Status == StatusOffline.String() {
			recs = append(recs, Recommendation{
				Component: c.Name,
				Rule:      "component_degraded",
				Message:   fmt.Sprintf("component %s is %s: investigate before tuning anything else", c.Name, c.Status),
			})
		}
	}

	return recs
}
