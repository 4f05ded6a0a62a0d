// Package task carries a dispatch task from the enqueue call to its terminal
// outcome. The Producer admits a task through the throttle, the per-user lock
// and queue backpressure, then publishes it. The Pipeline handles each
// delivery: it guards on the model and user gates, runs the model, emits
// lifecycle events and always releases what it acquired.
package task
