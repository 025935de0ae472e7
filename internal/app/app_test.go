package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/vincentbai/attentrace/internal/report"
	"github.com/vincentbai/attentrace/internal/trajectory"
)

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "attentrace" {
		t.Errorf("expected Use to be 'attentrace', got '%s'", RootCmd.Use)
	}
	if RootCmd.Short == "" {
		t.Error("expected Short description to be set")
	}
	if RootCmd.Long == "" {
		t.Error("expected Long description to be set")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range RootCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, expected := range []string{"agent", "replay"} {
		if !found[expected] {
			t.Errorf("expected command '%s' to be registered", expected)
		}
	}
}

func TestReplayCommand_FlagDefaults(t *testing.T) {
	tests := []struct {
		flag string
		want string
	}{
		{flag: "out", want: "."},
		{flag: "gap", want: "100ms"},
		{flag: "pixel-ratio", want: "1"},
		{flag: "watch", want: "false"},
	}
	for _, tt := range tests {
		f := replayCmd.Flags().Lookup(tt.flag)
		if f == nil {
			t.Errorf("flag %s not defined", tt.flag)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("%s flag default: got %s, want %s", tt.flag, f.DefValue, tt.want)
		}
	}
}

func TestAgentConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ATTENTRACE_ENDPOINT", "https://env.example.com/report")
	t.Setenv("ATTENTRACE_ADDRESS", "127.0.0.1:7000")

	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(agentCmd.Flags())
	if err := cmd.Flags().Parse([]string{"--endpoint", "https://flag.example.com/report", "--flush-interval", "750ms"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Cleanup(func() {
		agentEndpoint = ""
		agentFlush = 0
		agentCmd.Flags().Lookup("endpoint").Changed = false
		agentCmd.Flags().Lookup("flush-interval").Changed = false
	})

	cfg, err := agentConfig(cmd)
	if err != nil {
		t.Fatalf("agentConfig() error = %v", err)
	}
	if cfg.Endpoint != "https://flag.example.com/report" {
		t.Errorf("expected flag endpoint, got %s", cfg.Endpoint)
	}
	if cfg.Address != "127.0.0.1:7000" {
		t.Errorf("expected env address, got %s", cfg.Address)
	}
	if cfg.FlushInterval != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %s", cfg.FlushInterval)
	}
}

func TestAgentConfigRequiresEndpoint(t *testing.T) {
	t.Setenv("ATTENTRACE_ENDPOINT", "")

	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(agentCmd.Flags())
	if _, err := agentConfig(cmd); err == nil {
		t.Fatal("expected missing endpoint error")
	}
}

func recorder(key string, rect string) *trajectory.Recorder {
	start := time.UnixMilli(1_700_000_000_000)
	var positions trajectory.Trajectory
	positions = positions.Append(trajectory.Pack(5, 5), start)
	positions = positions.Append(trajectory.Pack(20, 10), start.Add(20*time.Millisecond))
	positions = positions.Append(trajectory.Pack(40, 30), start.Add(40*time.Millisecond))
	return &trajectory.Recorder{Key: key, Positions: positions, Rect: rect, MovingLogs: []trajectory.MovingLog{}}
}

func TestLoadRecorders(t *testing.T) {
	list, _ := json.Marshal([]*trajectory.Recorder{recorder("42", "100.50")})
	got, err := loadRecorders(list)
	if err != nil {
		t.Fatalf("loadRecorders(list) error = %v", err)
	}
	if len(got) != 1 || got[0].Key != "42" {
		t.Fatalf("unexpected recorders: %+v", got)
	}

	payload, _ := json.Marshal(recorder("7", "100.50"))
	batch, _ := json.Marshal(report.Batch{Data: []report.Event{
		{Type: report.KindPageView, Payload: json.RawMessage(`{"href":"https://example.com"}`)},
		{Type: report.KindTrajectory, Payload: payload},
	}})
	got, err = loadRecorders(batch)
	if err != nil {
		t.Fatalf("loadRecorders(batch) error = %v", err)
	}
	if len(got) != 1 || got[0].Key != "7" || got[0].Positions.Len() != 3 {
		t.Fatalf("unexpected recorders: %+v", got)
	}

	if _, err := loadRecorders([]byte(`"nope"`)); err == nil {
		t.Error("expected error for unrelated JSON")
	}
}

func TestRenderWritesSVGPerRecorder(t *testing.T) {
	out := t.TempDir()
	recorders := []*trajectory.Recorder{
		recorder("job-1", "100.50"),
		recorder("job-2", "bad"),
		recorder("job/3", "80.40"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := render(ctx, recorders, "batch", renderOptions{out: out, gap: 10 * time.Millisecond, pixelRatio: 1})
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}

	if summary.Rendered != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 rendered and 1 failed, got %+v", summary)
	}
	if summary.Points != 6 {
		t.Errorf("expected 6 points, got %d", summary.Points)
	}
	want := []string{
		filepath.Join(out, "batch-000-job-1.svg"),
		filepath.Join(out, "batch-002-job_3.svg"),
	}
	for i, name := range want {
		if summary.Files[i] != name {
			t.Errorf("file %d: got %s, want %s", i, summary.Files[i], name)
		}
		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(data), "<svg") || !strings.Contains(string(data), "<path") {
			t.Errorf("%s does not look like a rendered trajectory: %s", name, data)
		}
	}
}

func TestRenderFileMissing(t *testing.T) {
	_, err := renderFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"), renderOptions{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"":         "unkeyed",
		"job-1":    "job-1",
		"a b/c:d":  "a_b_c_d",
		"Item_42x": "Item_42x",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
