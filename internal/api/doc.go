// Package api exposes castqueue over HTTP. Handlers decode and validate
// requests, take the caller's identity from the context set by the
// authentication middleware, call the job and user services and render
// their results. Errors are mapped to status codes and safe messages in
// errors.go; the raw error is only ever logged, redacted.
package api
