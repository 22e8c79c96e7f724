// Package task runs jobs in the background. The Scheduler promotes the oldest
// waiting job whenever one of its execution slots is free, the Supervisor runs
// each promoted job on its own goroutine and records the outcome, and the
// Runner ties both to the process lifecycle.
package task
