// Package scheduler registers one-shot and recurring triggers and computes
// when they fire.
//
// It does not run jobs: a fired trigger becomes an engine.Task enqueued into
// the task engine, whose workers execute it.
package scheduler
