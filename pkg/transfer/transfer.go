// Package transfer implements the transfer coordinator: a three-way
// rendezvous between a sender stream, a receiver stream, and a byte-pump
// worker, with well-defined cancellation and exactly-once completion
// signalling to the requesting sync actor.
package transfer

import (
	"fmt"
	"io"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/container"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/metrics"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/blockvault/bvault/pkg/worker"
	"github.com/rs/zerolog"
)

// pumpBufferSize is the byte-pump's read/write chunk size.
const pumpBufferSize = 256 * 1024

// SenderReady reports that the dataset actor created (or failed to create) a
// sender handle for this transfer.
type SenderReady struct {
	Stream *volume.SendStream
	Err    error
}

// ReceiverReady reports that the container actor created (or failed to
// create) a receiver handle for this transfer.
type ReceiverReady struct {
	Handle *container.ReceiveHandle
	Err    error
}

type pumpResult struct {
	bytes int64
	err   error
}

type senderResult struct {
	err error
}

type receiverResult struct {
	stagedName string
	err        error
}

// TransferComplete is sent to the requesting sync actor exactly once,
// unless the transfer was cancelled (in which case none is sent).
type TransferComplete struct {
	SnapshotUUID types.ID
	Datetime     time.Time
	Err          error
}

// phase is the transfer coordinator's coarse state.
type phase int

const (
	phaseWaitingForActors phase = iota
	phaseTransferring
	phaseTransferred
)

// Config wires a transfer coordinator to the specific snapshot it is moving
// and the actors it must report completion to.
type Config struct {
	SyncID          types.ID
	SourceDatasetID types.ID
	SnapshotUUID    types.ID
	ParentUUID      types.ID
	Datetime        time.Time

	// ContainerAddr receives FinalizeReceiveRequest/AbortReceiveRequest.
	// The external-dedup variant does not use a transfer coordinator: it
	// backs up synchronously inside its own BackupRequest handler.
	ContainerAddr *actor.Address

	SyncParent *actor.Address

	Bus    *observation.Bus
	Router *observation.Router
}

// Actor is the transfer coordinator.
type Actor struct {
	cfg   Config
	log   zerolog.Logger
	guard *observation.Guard
	start time.Time

	phase phase

	senderReady, receiverReady bool
	senderStream               *volume.SendStream
	receiverHandle             *container.ReceiveHandle

	pumpDone, senderDone, receiverDone bool
	firstErr                           error
	stagedName                         string
	finished                           bool

	pumpTask     *worker.Task[pumpResult]
	senderTask   *worker.Task[senderResult]
	receiverTask *worker.Task[receiverResult]
}

// New constructs a transfer coordinator ready to Spawn. The caller must
// subsequently Tell it a SenderReady and a ReceiverReady once the dataset
// and container actors have produced (or failed to produce) their handles.
func New(cfg Config) *Actor {
	return &Actor{cfg: cfg}
}

// Started opens the observation span covering the whole transfer.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithActorID(uint64(ctx.Self().ID()), "transfer")
	a.start = time.Now()
	a.guard = observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.SourceDatasetID, "Sync")
	ctx.SetStatus("WaitingForActors")
	return nil
}

// Stopped implements cancellation: any resource that was ready but never
// reached a terminal state is aborted, outstanding workers are awaited, and
// no TransferComplete is sent — cancellation is never reported upward as an
// error, since the requester (the sync actor, or its supervisor) already
// knows it asked for this.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.phase == phaseTransferred {
		return terminalFor(a.firstErr)
	}

	if a.senderStream != nil {
		a.senderStream.Abort()
	}
	if a.receiverHandle != nil {
		a.receiverHandle.Stream.Abort()
	}
	if a.pumpTask != nil {
		a.pumpTask.Abort()
		a.pumpTask.Wait()
	}
	if a.senderTask != nil {
		a.senderTask.Wait()
	}
	if a.receiverTask != nil {
		a.receiverTask.Wait()
	}
	if a.receiverHandle != nil && a.cfg.ContainerAddr != nil && a.stagedName != "" {
		_ = a.cfg.ContainerAddr.Tell(container.AbortReceiveRequest{
			SourceDatasetID: a.cfg.SourceDatasetID,
			StagedName:      a.stagedName,
		})
	}

	a.guard.Failed("cancelled")
	metrics.TransfersTotal.WithLabelValues(a.cfg.SyncID.String(), "cancelled").Inc()
	return actor.Cancelled
}

func (a *Actor) finishObservation(err error) {
	if a.finished {
		return
	}
	a.finished = true
	a.guard.Result(err)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.TransfersTotal.WithLabelValues(a.cfg.SyncID.String(), result).Inc()
	metrics.TransferDuration.WithLabelValues(a.cfg.SyncID.String()).Observe(time.Since(a.start).Seconds())
}

func terminalFor(err error) actor.TerminalState {
	if err != nil {
		return actor.Failed
	}
	return actor.Succeeded
}

// Receive dispatches transfer coordinator messages.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case SenderReady:
		a.handleSenderReady(ctx, m)
	case ReceiverReady:
		a.handleReceiverReady(ctx, m)
	case worker.Complete[pumpResult]:
		a.onPumpComplete(ctx, m)
	case worker.Complete[senderResult]:
		a.onSenderComplete(ctx, m)
	case worker.Complete[receiverResult]:
		a.onReceiverComplete(ctx, m)
	default:
		return nil, fmt.Errorf("transfer: unknown message %T", msg)
	}
	return nil, nil
}

func (a *Actor) handleSenderReady(ctx *actor.Context, m SenderReady) {
	if a.phase == phaseTransferred {
		if m.Stream != nil {
			m.Stream.Abort()
		}
		return
	}
	if m.Err != nil {
		a.recordError(m.Err)
		a.maybeFailFast(ctx)
		return
	}
	a.senderStream = m.Stream
	a.senderReady = true
	a.maybeStartTransferring(ctx)
}

func (a *Actor) handleReceiverReady(ctx *actor.Context, m ReceiverReady) {
	if a.phase == phaseTransferred {
		if m.Handle != nil {
			m.Handle.Stream.Abort()
		}
		return
	}
	if m.Err != nil {
		a.recordError(m.Err)
		a.maybeFailFast(ctx)
		return
	}
	a.receiverHandle = m.Handle
	a.receiverReady = true
	a.maybeStartTransferring(ctx)
}

// maybeFailFast handles the "sender-error or receiver-error" edge straight
// out of WaitingForActors: the transfer is done, and a stream the other
// side already produced is aborted here; one that arrives while the
// mailbox drains is aborted by its ready handler.
func (a *Actor) maybeFailFast(ctx *actor.Context) {
	if a.phase != phaseWaitingForActors {
		return
	}
	if a.senderStream != nil {
		a.senderStream.Abort()
	}
	if a.receiverHandle != nil {
		a.receiverHandle.Stream.Abort()
	}
	a.phase = phaseTransferred
	a.finishObservation(a.firstErr)
	a.notifyParent()
	ctx.Self().Stop()
}

func (a *Actor) maybeStartTransferring(ctx *actor.Context) {
	if !a.senderReady || !a.receiverReady || a.phase != phaseWaitingForActors {
		return
	}
	a.phase = phaseTransferring
	ctx.SetStatus("Transferring")

	self := ctx.Self()
	a.pumpTask = worker.Spawn(self, func(abort <-chan struct{}) (pumpResult, error) {
		n, err := pumpBytes(abort, a.senderStream.Stdout, a.receiverHandle.Stream.Stdin)
		_ = a.receiverHandle.Stream.Stdin.Close()
		return pumpResult{bytes: n, err: err}, nil
	})
	a.senderTask = worker.Spawn(self, func(abort <-chan struct{}) (senderResult, error) {
		return senderResult{err: a.senderStream.Wait()}, nil
	})
	a.receiverTask = worker.Spawn(self, func(abort <-chan struct{}) (receiverResult, error) {
		name, err := a.receiverHandle.Stream.Wait()
		return receiverResult{stagedName: name, err: err}, nil
	})
}

// pumpBytes copies src to dst in pumpBufferSize chunks until EOF. A short
// write is fatal. Real cancellation happens when Stopped calls Abort() on
// the sender/receiver streams, closing the underlying pipes out from under
// a blocked Read or Write; abort is also polled between chunks for the
// common case where cancellation lands between reads.
func pumpBytes(abort <-chan struct{}, src io.Reader, dst io.Writer) (int64, error) {
	buf := make([]byte, pumpBufferSize)
	var total int64
	for {
		select {
		case <-abort:
			return total, nil
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, fmt.Errorf("transfer: pump write: %w", werr)
			}
			if w < n {
				return total, fmt.Errorf("transfer: pump: short write (%d of %d bytes)", w, n)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("transfer: pump read: %w", rerr)
		}
	}
}

func (a *Actor) recordError(err error) {
	if a.firstErr == nil {
		a.firstErr = err
	}
}

func (a *Actor) onPumpComplete(ctx *actor.Context, m worker.Complete[pumpResult]) {
	a.pumpDone = true
	if m.Result.err != nil {
		a.recordError(m.Result.err)
	} else {
		metrics.TransferBytesTotal.WithLabelValues(a.cfg.SyncID.String()).Add(float64(m.Result.bytes))
	}
	a.maybeFinish(ctx)
}

func (a *Actor) onSenderComplete(ctx *actor.Context, m worker.Complete[senderResult]) {
	a.senderDone = true
	if m.Result.err != nil {
		a.recordError(m.Result.err)
	}
	a.maybeFinish(ctx)
}

func (a *Actor) onReceiverComplete(ctx *actor.Context, m worker.Complete[receiverResult]) {
	a.receiverDone = true
	a.stagedName = m.Result.stagedName
	if m.Result.err != nil {
		a.recordError(m.Result.err)
		a.maybeFinish(ctx)
		return
	}
	if a.cfg.ContainerAddr != nil {
		reply, err := a.cfg.ContainerAddr.Call(ctx.Context(), container.FinalizeReceiveRequest{
			SourceDatasetID: a.cfg.SourceDatasetID,
			SourceUUID:      a.cfg.SnapshotUUID,
			SourceParent:    a.cfg.ParentUUID,
			Datetime:        a.cfg.Datetime,
			StagedName:      m.Result.stagedName,
		})
		if err != nil {
			a.recordError(fmt.Errorf("finalizing receive: %w", err))
		} else {
			_ = reply.(*container.FinalizeReceiveReply)
		}
	}
	a.maybeFinish(ctx)
}

func (a *Actor) maybeFinish(ctx *actor.Context) {
	if !(a.pumpDone && a.senderDone && a.receiverDone) {
		return
	}
	if a.phase == phaseTransferred {
		return
	}
	a.phase = phaseTransferred
	a.finishObservation(a.firstErr)
	a.notifyParent()
	ctx.Self().Stop()
}

func (a *Actor) notifyParent() {
	if a.cfg.SyncParent == nil {
		return
	}
	if err := a.cfg.SyncParent.Tell(TransferComplete{
		SnapshotUUID: a.cfg.SnapshotUUID,
		Datetime:     a.cfg.Datetime,
		Err:          a.firstErr,
	}); err != nil {
		a.log.Warn().Err(err).Msg("sync actor gone before completion could be delivered")
	}
}
