// Package jobs runs the server's periodic batch work.
//
// Each registered job has its own ticker. The interval is read from the
// current configuration before every wait, so a reload changes the cadence
// from the next run on. A zero interval pauses a job until the
// configuration gives it one again. Reports of recent runs are kept for the
// operator API.
package jobs
