// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects which collaboration feature the client runs.
type Mode string

const (
	ModeCall       Mode = "call"
	ModeWhiteboard Mode = "whiteboard"
)

const (
	DefaultHistoryLimit = 100
	DefaultColor        = "#000000"
	DefaultWidth        = 2
	MinWidth            = 1
	MaxWidth            = 10
)

// DefaultICEServers are used for candidate gathering when none are given.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores all parameters gathered from flags or interactive prompts.
type Config struct {
	Mode     Mode
	RelayURL string // WebSocket URL of the relay server
	Room     string // workspace room id

	Initiate   bool     // Call: start as initiator instead of waiting for a caller
	NoMedia    bool     // Call: simulate a capture device that is unavailable
	ICEServers []string // Call: STUN/TURN URLs

	HistoryLimit int // Whiteboard: maximum entries kept on each undo/redo stack
	SnapshotW    int // Whiteboard: exported image width
	SnapshotH    int // Whiteboard: exported image height

	Debug bool
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		Mode:         ModeWhiteboard,
		ICEServers:   append([]string(nil), DefaultICEServers...),
		HistoryLimit: DefaultHistoryLimit,
		SnapshotW:    1280,
		SnapshotH:    720,
	}
}

// Validate reports the first missing or out-of-range field.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeCall, ModeWhiteboard:
	default:
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeCall, ModeWhiteboard)
	}
	if c.RelayURL == "" {
		return errors.New("missing relay URL")
	}
	if strings.TrimSpace(c.Room) == "" {
		return errors.New("missing room")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("invalid history limit %d", c.HistoryLimit)
	}
	if c.SnapshotW <= 0 || c.SnapshotH <= 0 {
		return fmt.Errorf("invalid snapshot size %dx%d", c.SnapshotW, c.SnapshotH)
	}
	return nil
}
