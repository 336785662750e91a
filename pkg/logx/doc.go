// Package logx wraps zerolog for the bot.
//
// Console output is human readable with a short caller. The file sink writes
// JSON lines rotated by lumberjack. An optional chat sink forwards WARN and
// above to a log chat, rate limited so a burst of errors cannot flood it.
package logx
