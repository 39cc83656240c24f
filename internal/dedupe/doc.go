// Package dedupe makes message submission idempotent. Clients attach a
// client_message_id to each send; the gateway claims it in a Cache and
// rejects a second claim within the TTL, reporting the message id the first
// submission produced.
package dedupe
