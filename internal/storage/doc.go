// Package storage is the SQLite persistence layer: users, plants, schedules,
// action logs, pending actions and their chat messages, share links and
// members, and the durable job store behind the timer.
//
// Enum columns are parsed into domain types on read; an unknown value is a
// decode error.
package storage
