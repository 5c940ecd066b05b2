package client

import (
	"sync"
	"time"
)

const typingIdleInterval = 2 * time.Second

// TypingSender delivers typing frames to the server.
type TypingSender interface {
	SendTyping(isTyping bool) error
}

// TypingNotifier debounces keystrokes into typing frames: the first
// keystroke sends a rising edge, further keystrokes only extend the idle
// window, and going quiet or sending a message emits the falling edge.
type TypingNotifier struct {
	sender TypingSender
	idle   time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewTypingNotifier creates a notifier over a sender. A non-positive idle
// interval falls back to the default.
func NewTypingNotifier(sender TypingSender, idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = typingIdleInterval
	}
	return &TypingNotifier{sender: sender, idle: idle}
}

// Keystroke records input activity.
func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	if n.active {
		n.timer.Reset(n.idle)
		n.mu.Unlock()
		return
	}
	n.active = true
	n.timer = time.AfterFunc(n.idle, n.expire)
	n.mu.Unlock()

	_ = n.sender.SendTyping(true)
}

// MessageSent clears the typing state immediately; the message itself tells
// the counterparty the typing ended.
func (n *TypingNotifier) MessageSent() {
	n.stop(true)
}

// Stop clears the typing state, sending the falling edge if one is due.
// Call it when the composer loses focus or the view closes.
func (n *TypingNotifier) Stop() {
	n.stop(true)
}

func (n *TypingNotifier) expire() {
	n.stop(true)
}

func (n *TypingNotifier) stop(notify bool) {
	n.mu.Lock()
	wasActive := n.active
	if n.active {
		n.active = false
		n.timer.Stop()
	}
	n.mu.Unlock()

	if wasActive && notify {
		_ = n.sender.SendTyping(false)
	}
}
