// Package tgui builds the bot's Telegram screens: HTML-safe message
// text, inline keyboards, and "scope:action:payload" callback data.
//
// Handlers assemble a Message through Builder and hand it to the
// transport without repeating ParseMode or preview boilerplate. All
// text goes through escaping unless explicitly marked Raw, so user and
// API-sourced strings (office names, error text) cannot break the HTML
// parse mode.
package tgui
