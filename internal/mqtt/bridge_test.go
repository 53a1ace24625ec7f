//go:build !no_mqtt

package mqtt

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"insteon-go-home/internal/binding"
	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/msg"
	"insteon-go-home/internal/port"
)

type nullTransport struct {
	mu      sync.Mutex
	written int
}

func (t *nullTransport) Write(*msg.Msg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written++
	return nil
}

func (t *nullTransport) AddListener(port.Listener) {}
func (t *nullTransport) Start() error              { return nil }
func (t *nullTransport) Close()                    {}

func newTestBridge(t *testing.T, devices []binding.DeviceConfig) (*Bridge, *binding.Binding) {
	t.Helper()
	reg, err := msg.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bnd, err := binding.New(binding.Config{Devices: devices}, &nullTransport{}, nil, reg, cat, nil, logger)
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	// no client: these tests exercise topic and payload mapping only
	b := &Bridge{bnd: bnd, prefix: "insteon", logger: logger}
	return b, bnd
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		payload string
		command string
		value   string
	}{
		{"ON", "on", ""},
		{"on", "on", ""},
		{" OFF ", "off", ""},
		{"REFRESH", "refresh", ""},
		{"42", "percent", "42"},
		{"0", "percent", "0"},
		{"purple", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		command, value := parseCommand(tt.payload)
		if command != tt.command || value != tt.value {
			t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)",
				tt.payload, command, value, tt.command, tt.value)
		}
	}
}

func TestStateTopic(t *testing.T) {
	if got := stateTopic("insteon", "11.22.33", "dimmer"); got != "insteon/11.22.33/dimmer" {
		t.Errorf("topic: got %q", got)
	}
}

func TestHandleCommandRoutesToDevice(t *testing.T) {
	b, bnd := newTestBridge(t, []binding.DeviceConfig{
		{Address: "A.2", DeviceType: "x10_switch"},
	})
	dev, _ := bnd.Device("A.2")

	b.handleCommand("insteon/A.2/switch/set", []byte("ON"))

	// an X10 on command queues an address frame and a function frame
	if got := dev.PendingRequests(); got != 2 {
		t.Errorf("pending requests: got %d, want 2", got)
	}
}

func TestHandleCommandIgnoresMalformedTopics(t *testing.T) {
	b, bnd := newTestBridge(t, []binding.DeviceConfig{
		{Address: "A.2", DeviceType: "x10_switch"},
	})
	dev, _ := bnd.Device("A.2")

	b.handleCommand("insteon/A.2/switch", []byte("ON"))
	b.handleCommand("other/A.2/switch/set", []byte("ON"))
	b.handleCommand("insteon/A.2/switch/set", []byte("purple"))

	if got := dev.PendingRequests(); got != 0 {
		t.Errorf("pending requests: got %d, want 0", got)
	}
}
