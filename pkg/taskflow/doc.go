/*
Package taskflow provides event-driven task orchestration around an
external matching engine.

# Overview

taskflow coordinates the lifecycle of tasks created from submitted
forms: assignment, reassignment after declines, deadline monitoring,
and recovery with bounded retries and operator escalation. Components
never call each other; everything flows through an in-process event
bus, and a bridge relays the matching conversation over an AMQP broker
to the engine that does the actual matching.

The pieces, each usable on its own:

  - event: the bus, the event catalog, and its schema registry
  - transport: the broker abstraction (AMQP and in-memory)
  - bridge: bus-to-broker relay with dedup and dead-lettering
  - matching: correlation tracking for engine requests
  - agent: the assign, reassign, monitor, and recovery agents
  - store: bounded event history (memory and SQLite)
  - audit: the human-readable trail
  - httpapi: health, stats, history, and injection endpoints

This package is the composition root that wires them together.

# Basic Usage

A zero-option orchestrator runs fully in process, with an in-memory
broker and store:

	orch, err := taskflow.New()
	if err != nil {
	    log.Fatal(err)
	}
	if err := orch.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer orch.Stop(ctx)

	evt := event.New(event.TypeFormSubmitted, "intake", event.FormSubmission{
	    FormID:       "f-1",
	    Requirements: "review the quarterly filing",
	})
	if err := orch.Publish(ctx, evt); err != nil {
	    log.Fatal(err)
	}

Everything that happens next is observable: subscribe to the bus,
query orch.Store() for the correlation chain, or read orch.Audit().

# Production Wiring

Against a real broker and a durable store, configuration does the
wiring:

	cfg, err := config.FromFile("taskflow.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	opts, err := taskflow.FromConfig(cfg.ExpandEnv())
	if err != nil {
	    log.Fatal(err)
	}
	orch, err := taskflow.New(append(opts,
	    taskflow.WithLogger(logger),
	    taskflow.WithMetrics(metrics),
	)...)

cmd/taskflowd is exactly this, plus signal handling.
*/
package taskflow
