// Package api handles incoming HTTP requests: task submission, signed queue
// deliveries and the event bridge that replays and relays a task's events
// to the client. It translates HTTP concerns to producer, pipeline and
// broker calls and keeps internal error details out of responses.
package api
