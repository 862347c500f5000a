// Package diff compares two HTML snapshots of the same page and reports the
// meaningful text and link changes between them. Cosmetic churn such as
// dates, clock times, session tokens and class attributes is normalized away
// before comparison. Nothing in this package panics on malformed input.
package diff
