// Package chat implements the append-only in-call message log.
package chat

import (
	"sync"
	"time"
)

// SystemSender is the reserved sender id of engine-authored messages.
const SystemSender = "system"

type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindFile, KindSystem:
		return true
	}
	return false
}

// FileRef points at a shared file instead of inline text.
type FileRef struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is one chat entry. Seq is assigned by the Log and defines the order.
type Message struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text,omitempty"`
	File       *FileRef  `json:"file,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"kind"`
}

// Log is ordered by append sequence, never by timestamp. Stored messages are never mutated.
type Log struct {
	mu       sync.RWMutex
	next     uint64
	messages []Message
}

func NewLog() *Log {
	return &Log{next: 1}
}

// Append assigns the next sequence number and stores msg.
func (l *Log) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.Seq = l.next
	l.next++
	if msg.File != nil {
		f := *msg.File
		msg.File = &f
	}
	l.messages = append(l.messages, msg)
}

// Messages returns a copy of the full ordered sequence.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		if m.File != nil {
			f := *m.File
			m.File = &f
		}
		out[i] = m
	}
	return out
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
