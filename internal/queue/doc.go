// Package queue holds the shared data model of the checkout queue engine.
//
// The engine is layered leaf-first:
//
//	tracks    identity-stable tracks from unlabeled detections
//	zones     track position → counter zone, with hysteresis
//	lanes     per-counter queue state machine and service timer
//	alerts    edge-triggered threshold alerts with debounce
//	metrics   rolling and time-bucketed service statistics
//	pipeline  session state, per-frame ordering, snapshot and outbox
//
// Dependency rule: sub-packages may depend on this package and on packages
// listed above them, never below. No I/O is allowed in any of them except
// the pipeline's log streams.
package queue
