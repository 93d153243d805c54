// Package logx is plantbot's structured logging on top of zerolog.
//
// Console output is human readable with a short caller, the optional log
// file is JSON, and warnings can be mirrored to an admin Telegram chat
// through a rate-limited alert sink. The zero Logger discards everything.
package logx
