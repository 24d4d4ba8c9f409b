package taskflow

import (
	"context"

	"github.com/formworks/taskflow/pkg/taskflow/audit"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/httpapi"
	"github.com/formworks/taskflow/pkg/taskflow/store"
)

// apiBackend adapts the orchestrator to the HTTP API's backend
// surface.
type apiBackend struct {
	o *Orchestrator
}

var _ httpapi.Backend = apiBackend{}

func (b apiBackend) Ready() bool { return b.o.Ready() }

func (b apiBackend) HealthSummary() (string, map[string]string) {
	h := b.o.Health()
	comps := make(map[string]string, len(h.Components))
	for name, status := range h.Components {
		comps[name] = string(status)
	}
	return string(h.Overall), comps
}

func (b apiBackend) StatsSnapshot() any { return b.o.Stats() }

func (b apiBackend) PublishEvent(ctx context.Context, evt event.Event) error {
	return b.o.Publish(ctx, evt)
}

func (b apiBackend) QueryEvents(ctx context.Context, q httpapi.EventQuery) ([]store.Record, error) {
	switch {
	case q.Correlation != "":
		recs, err := b.o.st.ByCorrelation(ctx, q.Correlation)
		if err != nil {
			return nil, err
		}
		if q.Type != "" {
			kept := recs[:0]
			for _, r := range recs {
				if r.Type == q.Type {
					kept = append(kept, r)
				}
			}
			recs = kept
		}
		if q.Limit > 0 && len(recs) > q.Limit {
			recs = recs[:q.Limit]
		}
		return recs, nil
	case q.Type != "":
		return b.o.st.ByType(ctx, q.Type, q.Limit)
	default:
		return b.o.st.Recent(ctx, q.Limit)
	}
}

func (b apiBackend) QueryAudit(level audit.Level, limit int) []audit.Entry {
	if level == "" {
		return b.o.trail.Entries(limit)
	}
	return b.o.trail.ByLevel(level, limit)
}
