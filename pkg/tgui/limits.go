package tgui

// Telegram limits.
const (
	MaxMessageLen = 4096
)
