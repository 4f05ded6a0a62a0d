// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, files). It provides type-safe
// access to the router, gate ceilings, queue policy and collaborator endpoints
// while keeping configuration details separate from dispatch logic.
package config
