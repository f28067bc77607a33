// Package notifier fans trigger results out to local presentation consumers.
package notifier

import (
	"time"

	"github.com/neura/neura/internal/core"
)

// DefaultBuffer is the per-subscriber queue depth
const DefaultBuffer = 16

// Message is one published trigger
type Message struct {
	ID        string             `json:"id"`
	Kind      core.MessageKind   `json:"kind"`
	Result    core.TriggerResult `json:"result"`
	CreatedAt time.Time          `json:"created_at"`
}

// Stats summarises bus activity
type Stats struct {
	Subscribers int                      `json:"subscribers"`
	Published   map[core.MessageKind]int `json:"published"`
	Dropped     map[core.MessageKind]int `json:"dropped"`
}

// Hooks lets callers observe bus activity (metrics)
type Hooks struct {
	OnPublish func(kind core.MessageKind)
	OnDrop    func(kind core.MessageKind)
}
