// Package queue delivers published tasks to the pipeline at least once.
//
// RiverQueue persists deliveries in Postgres through River; its
// DeliveryWorker either runs the pipeline in-process or forwards a signed
// callback to another instance. MemoryQueue is an in-process stand-in with
// the same delivery contract, used for local runs and tests.
package queue
