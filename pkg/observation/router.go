package observation

import "github.com/blockvault/bvault/pkg/types"

// Route pairs a health-check endpoint with the emitter serving its
// observer's base URL, so observers configured with different bases
// coexist: each mapping is always emitted against the base of the
// observer that declared it.
type Route struct {
	EndpointID string
	Emitter    *Emitter
}

type entry struct {
	sourceID  types.ID
	eventKind string
	route     Route
}

// Router answers which endpoints should be pinged for a given (source,
// event-kind) pair, and through which emitter.
type Router struct {
	entries []entry
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add registers one observer's mappings, each emitted through that
// observer's own emitter.
func (r *Router) Add(mappings []types.ObserverMapping, emitter *Emitter) {
	for _, m := range mappings {
		r.entries = append(r.entries, entry{
			sourceID:  m.SourceID,
			eventKind: m.EventKind,
			route:     Route{EndpointID: m.EndpointID, Emitter: emitter},
		})
	}
}

// Routes returns every route matching (source, eventKind).
func (r *Router) Routes(source types.ID, eventKind string) []Route {
	var routes []Route
	for _, e := range r.entries {
		if e.sourceID == source && e.eventKind == eventKind {
			routes = append(routes, e.route)
		}
	}
	return routes
}
