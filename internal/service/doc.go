// Package service contains the application use cases: job admission and the
// owner-scoped query/control operations (JobService) and account handling
// (UserService). Services sit between the API layer and the stores and
// scheduler, enforce ownership and translate lower-level errors into the
// sentinels declared in errors.go.
package service
