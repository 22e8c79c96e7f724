// Package domain contains the core business entities of castqueue: jobs with
// their status state machine, the parameters and results they carry, and the
// users who submit them. It is independent of any storage or transport.
package domain
