// Package status serves the read-only JSON introspection endpoint over a
// UNIX domain socket: GET / reports every currently running actor's id,
// type, and lifecycle state, and GET /metrics serves the Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/julienschmidt/httprouter"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/metrics"
)

// SocketName is the conventional listener name under a process's runtime
// directory.
const SocketName = "wrk.sock"

// actorStatus is one entry in the actors array of GET /'s response.
type actorStatus struct {
	ActorID    uint64 `json:"actor_id"`
	ActorType  string `json:"actor_type"`
	ActorState string `json:"actor_state"`
}

type listResponse struct {
	Actors []actorStatus `json:"actors"`
}

// Server listens on a UNIX domain socket and serves actor status.
type Server struct {
	socketPath string
	listener   net.Listener
	httpServer *http.Server
	errCh      chan error
}

// New binds the listening socket at runtimeDir/wrk.sock, removing any
// stale socket file left behind by an unclean shutdown.
func New(runtimeDir string) (*Server, error) {
	socketPath := runtimeDir + "/" + SocketName
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("status: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("status: listening on %s: %w", socketPath, err)
	}

	router := httprouter.New()
	router.GET("/", handleList)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	return &Server{
		socketPath: socketPath,
		listener:   listener,
		httpServer: &http.Server{Handler: router},
		errCh:      make(chan error, 1),
	}, nil
}

// Start begins serving in the background. Errors other than a clean
// shutdown are delivered on the returned channel.
func (s *Server) Start() <-chan error {
	go func() {
		s.errCh <- s.httpServer.Serve(s.listener)
	}()
	return s.errCh
}

// Stop gracefully shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}

func handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	addrs := actor.AllAddresses()
	resp := listResponse{Actors: make([]actorStatus, 0, len(addrs))}
	for _, addr := range addrs {
		resp.Actors = append(resp.Actors, actorStatus{
			ActorID:    uint64(addr.ID()),
			ActorType:  addr.TypeName(),
			ActorState: addr.Status().String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
