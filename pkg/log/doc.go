/*
Package log provides structured logging for bvault using zerolog.

The log package wraps zerolog to give every actor, worker, and scheduled job a
component- and entity-scoped child logger, with JSON or console output and
level filtering. All log statements carry structured fields — never a bare
formatted string — so operators can query by actor_id, pool_id, or entity_id.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	poolLog := log.WithPoolID(pool.ID.String())
	poolLog.Info().Msg("pool started")

	actorLog := log.WithActorID(uint64(addr.ID()), "dataset")
	actorLog.Warn().Err(err).Msg("snapshot creation failed, will retry on next schedule")

# Context loggers

  - WithComponent: subsystem name (e.g. "captain", "sync")
  - WithActorID: numeric actor id + type name, attached once in started()
  - WithEntityID: domain entity id + human name (pool/dataset/container)
  - WithPoolID: pool scope, used by the pool actor

# Design

Global Logger pattern: one package-level zerolog.Logger, initialized once by
main before any actor starts. Child loggers are created once per actor in its
started() hook and stored on the actor's state — never reconstructed per log
call.

Never log secrets (repository credentials, dedup tool environment bindings).
*/
package log
