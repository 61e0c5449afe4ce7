// Package sync replicates reader state between devices through a shared
// version-controlled directory. Each device appends its local mutations
// to its own daily NDJSON log file and replays every other device's
// files, using an applied-op ledger for at-most-once delivery and a
// pending queue for operations whose target has not arrived yet.
package sync
