// Package muenchen is the client for the Munich citizen appointment API
// (buergeransicht). It covers the captcha-token flow, availability
// queries, the three-step booking transaction (reserve, update,
// preconfirm) and the offices-and-services catalog.
//
// The API rejects requests without browser-like headers and rate-limits
// aggressively; the client sends the expected header set and funnels
// every request through a shared token bucket.
package muenchen
