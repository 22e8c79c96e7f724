// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file and CASTQ_-prefixed environment
// variables. It provides type-safe access to the settings needed by the
// store backends, the scheduler, the HTTP layer and the generation pipeline.
package config
