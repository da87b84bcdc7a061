// Package app wires the relay, the call negotiator and the canvas engine into
// the two CLI modes.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/cowork/internal/call"
	"github.com/1ureka/cowork/internal/config"
	"github.com/1ureka/cowork/internal/media"
	"github.com/1ureka/cowork/internal/relay"
	"github.com/1ureka/cowork/internal/transport"
	"github.com/1ureka/cowork/internal/util"
)

// RunCall runs a video call in cfg.Room until ctx is cancelled:
//  1. Build the WebRTC session factory
//  2. Acquire local media (synthetic test pattern)
//  3. Join the room and wait for a caller, or call out with -initiate
//  4. Drain remote tracks until shutdown
func RunCall(ctx context.Context, cfg config.Config, rl relay.Relay) error {
	// ── 1. Session factory ─────────────────────────────────────────────
	factory, err := transport.NewFactory(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("failed to create session factory: %w", err)
	}

	return runCall(ctx, cfg, rl, media.SyntheticSource{Unavailable: cfg.NoMedia}, factory)
}

func runCall(ctx context.Context, cfg config.Config, rl relay.Relay, src media.Source, factory call.Factory) error {
	neg := call.New(ctx, call.Options{
		Room:    cfg.Room,
		Relay:   rl,
		Source:  src,
		Factory: factory,
		OnRemoteTrack: func(t media.RemoteTrack) {
			go drainTrack(t)
		},
		OnStateChange: func(s call.State) {
			util.LogInfo("call state: %s", s)
		},
	})
	defer neg.Teardown()

	// ── 2. Local media ─────────────────────────────────────────────────
	if err := neg.PrepareLocalMedia(ctx); err != nil {
		var acqErr *media.AcquisitionError
		if errors.As(err, &acqErr) {
			return fmt.Errorf("cannot start call without %s: %w", acqErr.Device, acqErr.Err)
		}
		return err
	}
	util.LogSuccess("local media ready, joined room %q", cfg.Room)

	// ── 3. Initiate or wait ────────────────────────────────────────────
	if cfg.Initiate {
		if err := neg.StartAsInitiator(ctx); err != nil {
			return fmt.Errorf("failed to start call: %w", err)
		}
	} else {
		util.LogInfo("waiting for someone to call into room %q", cfg.Room)
	}

	// ── 4. Block until shutdown ────────────────────────────────────────
	<-ctx.Done()
	return nil
}

// drainTrack consumes a remote track. Received bytes are counted by the
// transport.
func drainTrack(t media.RemoteTrack) {
	util.LogSuccess("receiving %s track %s (%s)", t.Kind, t.ID, t.MimeType)

	n := 0
	for range t.Packets {
		n++
	}
	util.LogInfo("remote %s track %s ended after %d packets", t.Kind, t.ID, n)
}
