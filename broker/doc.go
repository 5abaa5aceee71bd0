// Package broker fans out stream-event batches to observers. Each live
// stream publishes the batches it persists under its own topic, so
// dashboards, loggers, or other processes can watch a response as it is
// produced without touching the durability path.
//
// Two implementations exist: Local distributes batches in-process, NATS
// bridges them over a nats.Conn using the ledger's JSON encoding. Replayed
// batches are never published; only live progress is observable.
package broker
