package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/cowork/internal/canvas"
	"github.com/1ureka/cowork/internal/config"
	"github.com/1ureka/cowork/internal/protocol"
	"github.com/1ureka/cowork/internal/relay"
	"github.com/1ureka/cowork/internal/util"
)

var errQuit = errors.New("quit")

const whiteboardHelp = `commands:
  line x,y x,y ...   draw a stroke through the given points (one point draws a dot)
  color #rrggbb      set the stroke colour
  width n            set the stroke width (1 ~ 10)
  undo | redo        undo or redo the latest stroke in the room
  clear              clear the board for everyone
  save <file>        export the board as PNG
  show               list the strokes on the board
  quit               leave the board`

// Whiteboard is a line-oriented front end for a canvas.Engine.
type Whiteboard struct {
	engine *canvas.Engine
	out    io.Writer
	color  string
	width  float64
	snapW  int
	snapH  int
}

// NewWhiteboard opens the room's board on rl.
func NewWhiteboard(cfg config.Config, rl relay.Relay, out io.Writer) *Whiteboard {
	wb := &Whiteboard{
		out:   out,
		color: config.DefaultColor,
		width: config.DefaultWidth,
		snapW: cfg.SnapshotW,
		snapH: cfg.SnapshotH,
	}
	wb.engine = canvas.New(canvas.Options{
		Room:         cfg.Room,
		Relay:        rl,
		HistoryLimit: cfg.HistoryLimit,
		OnChange: func() {
			util.LogDebug("board changed")
		},
	})
	return wb
}

// Engine returns the underlying canvas engine.
func (wb *Whiteboard) Engine() *canvas.Engine {
	return wb.engine
}

// Close leaves the board.
func (wb *Whiteboard) Close() {
	wb.engine.Close()
}

// RunWhiteboard reads commands from in until quit, EOF or ctx is cancelled.
func RunWhiteboard(ctx context.Context, cfg config.Config, rl relay.Relay, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wb := NewWhiteboard(cfg, rl, out)
	defer wb.Close()

	util.LogSuccess("whiteboard %q opened, type 'help' for commands", cfg.Room)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := wb.Execute(line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				util.LogWarning("%v", err)
			}
		}
	}
}

// Execute runs one command line.
func (wb *Whiteboard) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "line":
		return wb.line(args)

	case "color", "colour":
		if len(args) != 1 {
			return errors.New("usage: color #rrggbb")
		}
		if _, err := canvas.ParseColor(args[0]); err != nil {
			return err
		}
		wb.color = args[0]

	case "width":
		if len(args) != 1 {
			return errors.New("usage: width n")
		}
		w, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid width %q", args[0])
		}
		wb.width = min(max(w, config.MinWidth), config.MaxWidth)

	case "undo":
		if !wb.engine.Undo() {
			util.LogInfo("nothing to undo")
		}

	case "redo":
		if !wb.engine.Redo() {
			util.LogInfo("nothing to redo")
		}

	case "clear":
		wb.engine.Clear()

	case "save":
		if len(args) != 1 {
			return errors.New("usage: save <file>")
		}
		return wb.save(args[0])

	case "show":
		return wb.show()

	case "help", "?":
		fmt.Fprintln(wb.out, whiteboardHelp)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	return nil
}

func (wb *Whiteboard) line(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: line x,y x,y ...")
	}

	pts := make([]protocol.Point, 0, len(args))
	for _, arg := range args {
		p, err := parsePoint(arg)
		if err != nil {
			return err
		}
		pts = append(pts, p)
	}

	wb.engine.BeginStroke(pts[0], wb.color, wb.width)
	for _, p := range pts[1:] {
		wb.engine.ExtendStroke(p)
	}
	wb.engine.EndStroke()
	return nil
}

func (wb *Whiteboard) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := wb.engine.WritePNG(f, wb.snapW, wb.snapH); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	util.LogSuccess("saved %dx%d snapshot to %s", wb.snapW, wb.snapH, path)
	return nil
}

func (wb *Whiteboard) show() error {
	strokes := wb.engine.Strokes()
	data := pterm.TableData{{"#", "ID", "Points", "Colour", "Width"}}
	for i, st := range strokes {
		id := st.ID
		if len(id) > 8 {
			id = id[:8]
		}
		data = append(data, []string{
			strconv.Itoa(i + 1), id, strconv.Itoa(len(st.Points)), st.Color, strconv.FormatFloat(st.Width, 'g', -1, 64),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	fmt.Fprintln(wb.out, table)
	fmt.Fprintf(wb.out, "undo: %d  redo: %d  pen: %s/%g\n",
		len(wb.engine.UndoStack()), len(wb.engine.RedoStack()), wb.color, wb.width)
	return nil
}

// parsePoint parses "x,y" with finite coordinates.
func parsePoint(s string) (protocol.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return protocol.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return protocol.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return protocol.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return protocol.Point{}, fmt.Errorf("invalid point %q, coordinates must be finite", s)
	}
	return protocol.Point{X: x, Y: y}, nil
}
