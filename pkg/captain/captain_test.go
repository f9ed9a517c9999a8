package captain

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildObservation_MergesMappingsAcrossObservers(t *testing.T) {
	source := types.NewID()
	observers := []types.Observer{
		{
			ID:       types.NewID(),
			Name:     "primary",
			Mappings: []types.ObserverMapping{{SourceID: source, EventKind: "DatasetSnapshot", EndpointID: "ep-snap"}},
		},
		{
			ID:       types.NewID(),
			Name:     "secondary",
			Mappings: []types.ObserverMapping{{SourceID: source, EventKind: "DatasetSnapshot", EndpointID: "ep-snap-2"}},
		},
	}

	router, emitters := BuildObservation(observers)
	require.Len(t, emitters, 2)

	routes := router.Routes(source, "DatasetSnapshot")
	var eps []string
	for _, r := range routes {
		eps = append(eps, r.EndpointID)
	}
	assert.ElementsMatch(t, []string{"ep-snap", "ep-snap-2"}, eps)
	assert.Empty(t, router.Routes(source, "Prune"))
}

// Two observers with distinct custom base URLs: each observer's mapped
// endpoint must be pinged against its own base, never the other's.
func TestBuildObservation_EachObserverEmitsAgainstItsOwnBase(t *testing.T) {
	var mu sync.Mutex
	hits := map[string][]string{}
	newServer := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name] = append(hits[name], r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
	}
	srvA := newServer("a")
	defer srvA.Close()
	srvB := newServer("b")
	defer srvB.Close()

	source := types.NewID()
	observers := []types.Observer{
		{
			ID:       types.NewID(),
			Name:     "obs-a",
			BaseURL:  srvA.URL,
			Mappings: []types.ObserverMapping{{SourceID: source, EventKind: "Prune", EndpointID: "ep-a"}},
		},
		{
			ID:       types.NewID(),
			Name:     "obs-b",
			BaseURL:  srvB.URL,
			Mappings: []types.ObserverMapping{{SourceID: source, EventKind: "Prune", EndpointID: "ep-b"}},
		},
	}

	router, _ := BuildObservation(observers)

	guard := observation.Start(nil, router, source, "Prune")
	guard.Succeeded()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"/ep-a/start", "/ep-a"}, hits["a"])
	assert.ElementsMatch(t, []string{"/ep-b/start", "/ep-b"}, hits["b"])
}

func TestBuildObservation_EmptyObserverListStillUsable(t *testing.T) {
	router, emitters := BuildObservation(nil)
	require.NotNil(t, router)
	assert.Empty(t, emitters)
	assert.Empty(t, router.Routes(types.NewID(), "DatasetSnapshot"))
}
