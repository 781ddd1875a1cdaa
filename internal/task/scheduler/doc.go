// Package scheduler hosts the process-wide cron instance.
//
// It runs named housekeeping jobs (autodelete sweeps, limiter cleanup,
// timetable refresh) registered from cron or interval strings, and exposes
// the raw Schedule/Remove primitives the reminder scheduler arms its custom
// schedules with. Everything runs in the deployment's fixed UTC offset.
package scheduler
