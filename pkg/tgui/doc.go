// Package tgui holds small Telegram UI helpers: HTML-safe text fragments,
// "prefix:action:payload" callback data and inline keyboard conversion.
package tgui
