// Package booking drives the interactive reservation conversation: a
// per-user state machine from slot selection through name and email
// entry to the three-step external transaction (reserve, update,
// preconfirm). The transition table is the single authority on legal
// state changes; everything else routes through it.
//
// A session suppresses availability notifications for its user from the
// moment it is created until it reaches a terminal state. Terminal
// cleanup (suppression release, audit row, session destruction) runs
// exactly once no matter which path ended the session. The reservation
// credentials returned by the external service never outlive the
// session that obtained them.
package booking
