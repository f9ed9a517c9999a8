// Package captain implements the captain actor: the root supervisor
// that loads the entities document, brings every pool, external container,
// sync, and observer actor to life, starts the status server, and tears
// everything down in dependency order on shutdown.
package captain

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/config"
	"github.com/blockvault/bvault/pkg/container"
	"github.com/blockvault/bvault/pkg/dedup"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/observer"
	"github.com/blockvault/bvault/pkg/pool"
	"github.com/blockvault/bvault/pkg/status"
	"github.com/blockvault/bvault/pkg/storage"
	syncpkg "github.com/blockvault/bvault/pkg/sync"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/rs/zerolog"
)

// Config wires a captain actor to its process-level collaborators.
type Config struct {
	DataDir    string
	RuntimeDir string

	ConfigStore config.Store
	Store       storage.Store

	// VolumeBinary and DedupBinary name the CLI tools run for every pool's
	// volume system and every external container's dedup system,
	// respectively. Empty uses the collaborator's own default.
	VolumeBinary string
	DedupBinary  string
}

// Actor is the captain actor: the process's root supervisor.
type Actor struct {
	cfg Config
	log zerolog.Logger

	bus      *observation.Bus
	router   *observation.Router
	emitters map[types.ID]*observation.Emitter
	statusSv *status.Server

	observers          map[types.ID]*actor.Address
	pools              map[types.ID]*actor.Address
	externalContainers map[types.ID]*actor.Address
	syncs              map[types.ID]*actor.Address
}

// New constructs a captain actor ready to Spawn.
func New(cfg Config) *Actor {
	return &Actor{
		cfg:                cfg,
		observers:          make(map[types.ID]*actor.Address),
		pools:              make(map[types.ID]*actor.Address),
		externalContainers: make(map[types.ID]*actor.Address),
		syncs:              make(map[types.ID]*actor.Address),
	}
}

// BuildObservation merges every observer's mappings into one combined
// router, with one emitter per observer so each observer's endpoints are
// always pinged against that observer's own base URL (falling back to the
// canonical health-check service when unset). The emitters are also
// returned keyed by observer id, for the observer actors' heartbeats.
func BuildObservation(observers []types.Observer) (*observation.Router, map[types.ID]*observation.Emitter) {
	router := observation.NewRouter()
	emitters := make(map[types.ID]*observation.Emitter, len(observers))
	for _, o := range observers {
		emitter := observation.NewEmitter(o.BaseURL, nil)
		emitters[o.ID] = emitter
		router.Add(o.Mappings, emitter)
	}
	return router, emitters
}

// Started materializes the data directory's dependents, loads the entities
// document, and brings every child actor to life.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithComponent("captain")

	if err := os.MkdirAll(a.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("captain: creating data directory: %w", err)
	}
	if err := os.MkdirAll(a.cfg.RuntimeDir, 0755); err != nil {
		return fmt.Errorf("captain: creating runtime directory: %w", err)
	}

	entities, err := a.cfg.ConfigStore.Load()
	if err != nil {
		return fmt.Errorf("captain: loading entities: %w", err)
	}

	a.bus = observation.NewBus()
	a.router, a.emitters = BuildObservation(entities.Observers)

	a.startObservers(entities.Observers)
	a.startPools(ctx, entities.Pools)
	a.startExternalContainers(entities.ExternalContainers)
	a.startSyncs(entities.Syncs)

	statusSv, err := status.New(a.cfg.RuntimeDir)
	if err != nil {
		return fmt.Errorf("captain: starting status server: %w", err)
	}
	a.statusSv = statusSv
	errCh := a.statusSv.Start()
	go func() {
		if err := <-errCh; err != nil {
			a.log.Warn().Err(err).Msg("status server exited")
		}
	}()

	return nil
}

func (a *Actor) startObservers(observers []types.Observer) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, o := range observers {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := actor.Spawn("observer", observer.New(observer.Config{Observer: o, Emitter: a.emitters[o.ID]}))
			mu.Lock()
			a.observers[o.ID] = addr
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (a *Actor) startPools(ctx *actor.Context, pools []types.Pool) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range pools {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			volSys := volume.NewExecSystem(a.cfg.VolumeBinary)
			pool.ProbeCapabilities(ctx.Context(), p.Name, volSys)

			addr := actor.Spawn("pool", pool.New(pool.Config{
				Pool:         p,
				VolumeSystem: volSys,
				Store:        a.cfg.Store,
				Bus:          a.bus,
				Router:       a.router,
			}))
			mu.Lock()
			a.pools[p.ID] = addr
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (a *Actor) startExternalContainers(containers []types.Container) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range containers {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			dedupSys := dedup.NewExecSystem(a.cfg.DedupBinary)
			addr := actor.Spawn("container", container.NewDedup(container.DedupConfig{
				Container: c,
				System:    dedupSys,
				Bus:       a.bus,
				Router:    a.router,
			}))
			mu.Lock()
			a.externalContainers[c.ID] = addr
			mu.Unlock()
		}()
	}
	wg.Wait()
}

// resolveDataset finds the dataset and pool-mount-scoped address for a
// dataset id across every started pool.
func (a *Actor) resolveDataset(datasetID types.ID) (*actor.Address, bool) {
	for _, poolAddr := range a.pools {
		reply, err := poolAddr.Call(context.Background(), pool.GetChildActorRequest{Kind: pool.ChildDataset, ID: datasetID})
		if err != nil {
			continue
		}
		if addr := reply.(pool.GetChildActorReply).Addr; addr != nil {
			return addr, true
		}
	}
	return nil, false
}

// resolveContainer finds a container address, local or external, for a
// container id plus its kind.
func (a *Actor) resolveContainer(containerID types.ID, kind types.ContainerKind) (*actor.Address, bool) {
	if kind == types.ContainerExternalDedup {
		addr, ok := a.externalContainers[containerID]
		return addr, ok
	}
	for _, poolAddr := range a.pools {
		reply, err := poolAddr.Call(context.Background(), pool.GetChildActorRequest{Kind: pool.ChildContainer, ID: containerID})
		if err != nil {
			continue
		}
		if addr := reply.(pool.GetChildActorReply).Addr; addr != nil {
			return addr, true
		}
	}
	return nil, false
}

func (a *Actor) startSyncs(syncs []types.Sync) {
	for _, s := range syncs {
		datasetAddr, ok := a.resolveDataset(s.DatasetID)
		if !ok {
			a.log.Warn().Str("sync_id", s.ID.String()).Str("dataset_id", s.DatasetID.String()).
				Msg("sync: source dataset not found, skipping")
			continue
		}

		var containerKind types.ContainerKind
		if _, isExternal := a.externalContainers[s.ContainerID]; isExternal {
			containerKind = types.ContainerExternalDedup
		} else {
			containerKind = types.ContainerLocal
		}

		containerAddr, ok := a.resolveContainer(s.ContainerID, containerKind)
		if !ok {
			a.log.Warn().Str("sync_id", s.ID.String()).Str("container_id", s.ContainerID.String()).
				Msg("sync: destination container not found, skipping")
			continue
		}

		addr := actor.Spawn("sync", syncpkg.New(syncpkg.Config{
			Sync:          s,
			DatasetID:     s.DatasetID,
			ContainerID:   s.ContainerID,
			ContainerKind: containerKind,
			DatasetAddr:   datasetAddr.Weak(),
			ContainerAddr: containerAddr.Weak(),
			Store:         a.cfg.Store,
			Bus:           a.bus,
			Router:        a.router,
		}))
		a.syncs[s.ID] = addr
	}
}

// Stopped tears every child down in dependency order: observers first,
// then syncs, then pools and external containers together, then the
// status server last.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	stopAndWait := func(addrs map[types.ID]*actor.Address) {
		for _, addr := range addrs {
			addr.Stop()
		}
		for _, addr := range addrs {
			addr.Wait()
		}
	}

	stopAndWait(a.observers)
	stopAndWait(a.syncs)

	for _, addr := range a.pools {
		addr.Stop()
	}
	for _, addr := range a.externalContainers {
		addr.Stop()
	}
	for _, addr := range a.pools {
		addr.Wait()
	}
	for _, addr := range a.externalContainers {
		addr.Wait()
	}

	if a.statusSv != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.statusSv.Stop(stopCtx); err != nil {
			a.log.Warn().Err(err).Msg("status server shutdown")
		}
	}

	return actor.Succeeded
}

// Receive has nothing to dispatch: the captain acts only through its
// lifecycle hooks and the children it supervises.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	return nil, fmt.Errorf("captain: unknown message %T", msg)
}
