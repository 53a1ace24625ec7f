package port

import (
	"log/slog"
	"testing"

	"insteon-go-home/internal/msg"
)

func testFramer(t *testing.T) *Framer {
	t.Helper()
	reg, err := msg.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewFramer(reg, slog.Default())
}

func TestFramerSingleFrame(t *testing.T) {
	f := testFramer(t)
	frame := []byte{0x02, 0x50, 0x23, 0x9B, 0x65, 0x00, 0x00, 0x01, 0xCB, 0x11, 0x01}
	msgs := f.Feed(frame)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].TypeName() != "StandardMessageReceived" {
		t.Errorf("type = %q", msgs[0].TypeName())
	}
}

func TestFramerSplitAcrossReads(t *testing.T) {
	f := testFramer(t)
	frame := []byte{0x02, 0x50, 0x23, 0x9B, 0x65, 0x00, 0x00, 0x01, 0xCB, 0x11, 0x01}
	if msgs := f.Feed(frame[:4]); len(msgs) != 0 {
		t.Fatalf("partial frame produced %d messages", len(msgs))
	}
	msgs := f.Feed(frame[4:])
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after completion, want 1", len(msgs))
	}
}

func TestFramerGarbageResync(t *testing.T) {
	f := testFramer(t)
	stream := append([]byte{0xDE, 0xAD}, 0x02, 0x54, 0x03)
	msgs := f.Feed(stream)
	if len(msgs) != 1 || msgs[0].TypeName() != "ButtonEventReport" {
		t.Fatalf("got %v", msgs)
	}
}

func TestFramerPureNack(t *testing.T) {
	f := testFramer(t)
	msgs := f.Feed([]byte{0x15, 0x02, 0x54, 0x03})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[0].IsPureNack() {
		t.Error("first message should be a pure NACK")
	}
}

func TestFramerExtendedEcho(t *testing.T) {
	// 0x62 echo shape depends on the extended bit of the flags byte.
	f := testFramer(t)
	std := []byte{0x02, 0x62, 1, 2, 3, 0x0F, 0x19, 0x00, 0x06}
	msgs := f.Feed(std)
	if len(msgs) != 1 || msgs[0].TypeName() != "SendStandardMessageReply" {
		t.Fatalf("standard echo: got %v", msgs)
	}

	ext := make([]byte, 23)
	copy(ext, []byte{0x02, 0x62, 1, 2, 3, 0x1F, 0x2F, 0x00})
	ext[22] = 0x06
	msgs = f.Feed(ext)
	if len(msgs) != 1 || msgs[0].TypeName() != "SendExtendedMessageReply" {
		t.Fatalf("extended echo: got %v", msgs)
	}
}

func TestFramerUnknownCommandSkipped(t *testing.T) {
	f := testFramer(t)
	stream := []byte{0x02, 0x7F, 0x02, 0x54, 0x03}
	msgs := f.Feed(stream)
	if len(msgs) != 1 || msgs[0].TypeName() != "ButtonEventReport" {
		t.Fatalf("got %v", msgs)
	}
}

func TestFramerTwoFramesOneRead(t *testing.T) {
	f := testFramer(t)
	stream := []byte{
		0x02, 0x54, 0x03,
		0x02, 0x57, 0xE2, 0x01, 0x23, 0x9B, 0x65, 0x00, 0x1C, 0x01,
	}
	msgs := f.Feed(stream)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].TypeName() != "ALLLinkRecordResponse" {
		t.Errorf("second = %q", msgs[1].TypeName())
	}
}
