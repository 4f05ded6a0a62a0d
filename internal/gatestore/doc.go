// Package gatestore provides the atomic counter and lock primitives every
// admission gate is built on. Two backends exist: Redis for deployments with
// more than one process, and an in-process map. FallbackStore serves calls from
// the in-process map while Redis is unreachable.
package gatestore
