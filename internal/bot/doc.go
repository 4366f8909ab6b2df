// Package bot is the Telegram command surface: a command registry with
// owner gating, a bounded dispatch worker pool, inline-keyboard
// callback routing, and the free-text bridge into booking
// conversations.
//
// Updates arrive on the adapter's channel and are matched against the
// command tree ("/subscribe"), the callback table ("sub:add:500|10"),
// or an active booking session (plain text). Handlers run on pooled
// workers behind a middleware chain (panic recovery, request logging,
// timeout), so one slow or crashing handler never stalls the intake
// loop.
package bot
