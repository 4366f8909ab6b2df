// Package logx is terminbot's logging layer. Call sites use a small
// Logger facade instead of importing zerolog directly; behind it a
// Service fans the stream out to a readable console sink, a JSON log
// file, and optionally the operator's chat (warnings and up, rate
// limited). Service.Apply swaps the sink set at runtime, so a config
// reload can retarget logging without restarting the process.
package logx
