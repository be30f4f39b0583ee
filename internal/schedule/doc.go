// Package schedule turns unlock times into delivery work.
//
// Two triggers funnel into the pipeline: a one-shot timer armed per capsule
// at its unlock time, and a periodic sweep that scans the store for whatever
// the timers missed (process restarts, clock jumps, queue-full retries).
// Both paths re-read the capsule before handing it off, so a cancellation
// always wins a race against a firing timer.
package schedule
