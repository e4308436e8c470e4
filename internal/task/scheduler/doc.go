// Package scheduler decides which tasks are due and fans their execution out
// under a concurrency cap.
//
// The Poller owns one cron instance. The poll job runs at a fixed interval
// (skipped while the previous batch is still running); extra jobs such as
// subscriber expiry can be registered next to it with AddJob.
package scheduler
