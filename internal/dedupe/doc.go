// Package dedupe remembers recently finished jobs for a short window so a
// job the service still hands out, because its final status update has not
// settled yet, is not run a second time.
package dedupe
