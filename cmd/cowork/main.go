// Command cowork is the client CLI.
//
// This tool joins a workspace room through a relay server and runs either a
// two-party video call over WebRTC or a shared whiteboard.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -relay, -room, -initiate, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/cowork/internal/app"
	"github.com/1ureka/cowork/internal/config"
	"github.com/1ureka/cowork/internal/relay"
	"github.com/1ureka/cowork/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: call or whiteboard")
	relayURL := flag.String("relay", "", "Relay server URL (e.g. ws://127.0.0.1:8080)")
	room := flag.String("room", "", "Workspace room id")
	initiate := flag.Bool("initiate", false, "Call: start the call instead of waiting for a caller")
	noMedia := flag.Bool("no-media", false, "Call: simulate missing camera and microphone")
	ice := flag.String("ice", strings.Join(config.DefaultICEServers, ","), "Call: comma-separated STUN/TURN URLs")
	history := flag.Int("history", config.DefaultHistoryLimit, "Whiteboard: undo history limit")
	snapshot := flag.String("snapshot", "1280x720", "Whiteboard: size of saved images, WxH")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Cowork — v%s", version))
	pterm.Println()

	cfg.Mode = config.Mode(*mode)
	cfg.Room = strings.TrimSpace(*room)
	cfg.Initiate = *initiate
	cfg.NoMedia = *noMedia
	cfg.ICEServers = splitList(*ice)
	cfg.HistoryLimit = *history
	cfg.Debug = *debugMode

	w, h, err := parseSize(*snapshot)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg.SnapshotW, cfg.SnapshotH = w, h

	if *relayURL != "" {
		wsURL, err := normalizeWSURL(*relayURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.RelayURL = wsURL
	}

	// Missing flags → interactive prompts.
	if *mode == "" {
		cfg.Mode = askMode()
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = askURL()
	}
	if cfg.Room == "" {
		cfg.Room = askRoom()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("left room %q", cfg.Room)
}

// run owns the relay connection for the whole process. Components are torn
// down by their Run functions before the connection is closed.
func run(ctx context.Context, cfg config.Config) error {
	client := relay.New(ctx, cfg.RelayURL, relay.Options{})
	defer client.Close()

	util.LogInfo("connecting to relay %s", cfg.RelayURL)
	go func() {
		if err := client.WaitConnected(ctx); err == nil {
			util.LogSuccess("connected to relay")
		}
	}()

	util.StartStatsReporter(ctx)

	switch cfg.Mode {
	case config.ModeCall:
		return app.RunCall(ctx, cfg, client)
	default:
		return app.RunWhiteboard(ctx, cfg, client, os.Stdin, os.Stdout)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw relay URL string. http(s)
// schemes are mapped to ws(s) and the path defaults to /ws.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}

	path := u.Path
	if path == "" || path == "/" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}

// parseSize parses "WxH".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if ok {
		w, errW := strconv.Atoi(ws)
		h, errH := strconv.Atoi(hs)
		if errW == nil && errH == nil && w > 0 && h > 0 {
			return w, h, nil
		}
	}
	return 0, 0, fmt.Errorf("invalid snapshot size %q, want WxH", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// askMode prompts the user to pick call or whiteboard.
func askMode() config.Mode {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Whiteboard — Draw together", "Call — Video call"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Call") {
		return config.ModeCall
	}
	return config.ModeWhiteboard
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://127.0.0.1:8080)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askRoom prompts the user for a non-empty room id.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room id").
			Show()

		if room := strings.TrimSpace(raw); room != "" {
			pterm.Println()
			return room
		}

		util.LogWarning("room id must not be empty")
		pterm.Println()
	}
}
