// Package dedupe provides a bounded, time-based cache for short-lived memos:
// verified runtime credentials and in-flight check-in deliveries.
package dedupe
