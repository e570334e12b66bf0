// Package orchestrator drives a queue item through the pipeline:
//
//	pending -> generate -> ready -> fan out uploads -> execute -> uploaded
//
// It composes the queue, upload dispatcher, account selector and generator it
// is constructed with, and registers the recurring generate, upload and
// cleanup jobs on the scheduler. Retry decisions stay with those components.
package orchestrator
