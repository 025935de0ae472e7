package models

import (
	"encoding/json"
	"testing"

	"github.com/vincentbai/attentrace/internal/metrics"
)

func TestValidateSignal(t *testing.T) {
	tests := []struct {
		name      string
		signal    Signal
		wantError bool
	}{
		{
			name:   "valid pointer signal",
			signal: Signal{TSUTC: 1234567890, Type: TypePointerMove, Data: json.RawMessage(`{"key":"42","x":1,"y":2}`)},
		},
		{
			name:   "valid signal without data",
			signal: Signal{TSUTC: 1234567890, Type: TypeLifecycle},
		},
		{
			name:      "empty type",
			signal:    Signal{TSUTC: 1234567890},
			wantError: true,
		},
		{
			name:      "unknown type",
			signal:    Signal{TSUTC: 1234567890, Type: "scroll"},
			wantError: true,
		},
		{
			name:      "negative timestamp",
			signal:    Signal{TSUTC: -1, Type: TypeNavigate},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignal(tt.signal)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateSignal() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestDecodePerfEntries(t *testing.T) {
	raw := `{"type":"perf.entries","ts_utc":1,"data":{"entryType":"event","entries":[
		{"entryType":"event","name":"click","duration":320,"interactionId":7,"processingStart":10,"processingEnd":300,"targetId":12}
	]}}`

	var signal Signal
	if err := json.Unmarshal([]byte(raw), &signal); err != nil {
		t.Fatalf("Failed to unmarshal signal: %v", err)
	}
	data, err := Decode[PerfEntries](signal)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if data.Type != metrics.Event {
		t.Errorf("Type mismatch: got %s, want %s", data.Type, metrics.Event)
	}
	if len(data.Entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(data.Entries))
	}
	entry := data.Entries[0]
	if entry.Name != "click" || entry.InteractionID != 7 || entry.TargetID != 12 {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.ProcessingEnd-entry.ProcessingStart != 290 {
		t.Errorf("Processing time mismatch: got %v", entry.ProcessingEnd-entry.ProcessingStart)
	}
}

func TestDecodeRejectsWrongShape(t *testing.T) {
	signal := Signal{Type: TypeDOMRemove, Data: json.RawMessage(`{"id":"not a number"}`)}
	if _, err := Decode[DOMRemove](signal); err == nil {
		t.Error("Expected decode error for string id")
	}
}

func TestDecodeHelloDocument(t *testing.T) {
	signal := Signal{Type: TypeHello, Data: json.RawMessage(`{
		"capabilities":{"intersectionObserver":true,"entryTypes":["paint","resource"]},
		"device":{"userAgent":"Mozilla/5.0","language":"en"},
		"document":{"id":1,"tag":"BODY","children":[{"id":2,"tag":"article","attrs":{"data-item-id":"42"}}]},
		"route":{"href":"https://jobs.example.com/"},
		"pixelRatio":2
	}`)}

	hello, err := Decode[Hello](signal)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !hello.Capabilities.IntersectionObserver || len(hello.Capabilities.EntryTypes) != 2 {
		t.Errorf("Unexpected capabilities: %+v", hello.Capabilities)
	}
	if hello.Document == nil || len(hello.Document.Children) != 1 {
		t.Fatalf("Expected document with one child, got %+v", hello.Document)
	}
	if hello.Document.Children[0].Attr("data-item-id") != "42" {
		t.Errorf("Expected item id 42, got %q", hello.Document.Children[0].Attr("data-item-id"))
	}
	if hello.Navigation != nil {
		t.Errorf("Expected nil navigation, got %+v", hello.Navigation)
	}
}
