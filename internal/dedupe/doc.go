// Package dedupe suppresses duplicate message submissions using a time-based
// cache, so client retries resolve to the originally persisted message.
package dedupe
