package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/vincentbai/attentrace/internal/canvas"
	"github.com/vincentbai/attentrace/internal/loop"
	"github.com/vincentbai/attentrace/internal/report"
	"github.com/vincentbai/attentrace/internal/trajectory"
)

var (
	replayOut        string
	replayGap        time.Duration
	replayPixelRatio float64
	replayLineWidth  float64
	replayWatch      bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file-or-dir>",
	Short: "Render recorded trajectories to SVG",
	Long: `Replay recorded pointer trajectories and write one SVG per recorder.

The input is either a JSON array of recorders or a report batch as sent to
the collection endpoint; trajectory events are taken from the batch. Each
recorder plays back in real time, items are separated by --gap.

With --watch the argument is a directory: every JSON file created or
written in it is rendered until interrupted.`,
	Example: `  # Render one file
  attentrace replay trajectories.json --out ./svg

  # Render batches as they are dropped into a directory
  attentrace replay ./batches --watch --out ./svg`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayOut, "out", ".", "Output directory for SVG files")
	replayCmd.Flags().DurationVar(&replayGap, "gap", 100*time.Millisecond, "Pause between two recorders")
	replayCmd.Flags().Float64Var(&replayPixelRatio, "pixel-ratio", 1, "Device pixel ratio to render at")
	replayCmd.Flags().Float64Var(&replayLineWidth, "line-width", canvas.DefaultLineWidth, "Stroke width")
	replayCmd.Flags().BoolVar(&replayWatch, "watch", false, "Watch a directory for new files")
}

type renderOptions struct {
	out        string
	gap        time.Duration
	pixelRatio float64
	lineWidth  float64
}

// renderSummary is what one render pass produced.
type renderSummary struct {
	Rendered int
	Failed   int
	Points   int
	Bytes    int64
	Files    []string
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayPixelRatio <= 0 {
		return fmt.Errorf("invalid pixel ratio: %v (must be positive)", replayPixelRatio)
	}
	if err := os.MkdirAll(replayOut, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	opts := renderOptions{out: replayOut, gap: replayGap, pixelRatio: replayPixelRatio, lineWidth: replayLineWidth}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if replayWatch {
		return watchDir(ctx, args[0], opts, cmd.OutOrStdout())
	}

	started := time.Now()
	summary, err := renderFile(ctx, args[0], opts)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), summary, opts.out, started)
	return nil
}

func printSummary(w io.Writer, s renderSummary, out string, started time.Time) {
	fmt.Fprintf(w, "Rendered %d trajectories (%s points, %s) to %s in %s\n",
		s.Rendered, humanize.Comma(int64(s.Points)), humanize.Bytes(uint64(s.Bytes)),
		out, time.Since(started).Round(time.Millisecond))
	if s.Failed > 0 {
		fmt.Fprintf(w, "Skipped %d malformed recorders\n", s.Failed)
	}
}

// loadRecorders accepts a recorder array or a report batch.
func loadRecorders(data []byte) ([]*trajectory.Recorder, error) {
	var recorders []*trajectory.Recorder
	if err := json.Unmarshal(data, &recorders); err == nil {
		return recorders, nil
	}

	var batch report.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("input is neither a recorder list nor a report batch: %w", err)
	}
	for i, event := range batch.Data {
		if event.Type != report.KindTrajectory {
			continue
		}
		var rec trajectory.Recorder
		if err := json.Unmarshal(event.Payload, &rec); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		recorders = append(recorders, &rec)
	}
	return recorders, nil
}

func renderFile(ctx context.Context, path string, opts renderOptions) (renderSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return renderSummary{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	recorders, err := loadRecorders(data)
	if err != nil {
		return renderSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	prefix := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return render(ctx, recorders, prefix, opts)
}

// render plays recorders on a private loop and writes one SVG per item.
func render(ctx context.Context, recorders []*trajectory.Recorder, prefix string, opts renderOptions) (renderSummary, error) {
	var summary renderSummary
	if len(recorders) == 0 {
		return summary, nil
	}

	lp := loop.New(loop.DefaultFrameInterval, log.Default())
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go lp.Run(loopCtx)

	done := make(chan error, 1)
	canvases := make(map[int]*canvas.SVG)
	var playlist *trajectory.Playlist

	lp.Post(func() {
		playlist = trajectory.NewPlaylist(lp, recorders, trajectory.PlaylistOptions{
			Gap:        opts.gap,
			PixelRatio: opts.pixelRatio,
			Canvas: func(i int, rec *trajectory.Recorder) trajectory.Canvas {
				svg := canvas.NewSVG(opts.lineWidth)
				canvases[i] = svg
				return svg
			},
			OnItem: func(i int, rec *trajectory.Recorder, err error) {
				if err != nil {
					summary.Failed++
					return
				}
				name := filepath.Join(opts.out, fmt.Sprintf("%s-%03d-%s.svg", prefix, i, sanitize(rec.Key)))
				n, werr := writeSVG(name, canvases[i])
				delete(canvases, i)
				if werr != nil {
					select {
					case done <- werr:
					default:
					}
					playlist.Cancel()
					return
				}
				summary.Rendered++
				summary.Points += rec.Positions.Len()
				summary.Bytes += n
				summary.Files = append(summary.Files, name)
			},
			OnFinished: func() {
				select {
				case done <- nil:
				default:
				}
			},
		})
		playlist.Start()
	})

	select {
	case err := <-done:
		// The loop is idle once the playlist reported; reading summary is safe
		// after this hop.
		if derr := lp.Do(ctx, func() {}); derr != nil {
			return renderSummary{}, derr
		}
		return summary, err
	case <-ctx.Done():
		lp.Do(context.Background(), func() {
			if playlist != nil {
				playlist.Cancel()
			}
		})
		return renderSummary{}, ctx.Err()
	}
}

func writeSVG(name string, svg *canvas.SVG) (int64, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}
	n, err := svg.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return n, nil
}

func sanitize(key string) string {
	if key == "" {
		return "unkeyed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

// watchDir renders every JSON file written into dir until ctx is done.
func watchDir(ctx context.Context, dir string, opts renderOptions, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	fmt.Fprintf(w, "Watching %s for trajectory files\n", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			started := time.Now()
			summary, err := renderFile(ctx, event.Name, opts)
			if err != nil {
				fmt.Fprintf(w, "WARN: %v\n", err)
				continue
			}
			printSummary(w, summary, opts.out, started)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "WARN: watcher: %v\n", err)
		}
	}
}
