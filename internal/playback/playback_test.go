package playback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interview-voice-lab/internal/voice"
)

func frameOf(v int16) voice.Frame {
	samples := make([]int16, 640)
	for i := range samples {
		samples[i] = v
	}
	return voice.Frame{Samples: samples, SampleRate: 32000, Channels: 1, SamplesPerChannel: 640}
}

func TestTeeJoinsErrors(t *testing.T) {
	var got []int16
	ok := SinkFunc(func(_ context.Context, f voice.Frame) error {
		got = append(got, f.Samples[0])
		return nil
	})
	boom := errors.New("boom")
	bad := SinkFunc(func(context.Context, voice.Frame) error { return boom })

	err := Tee(ok, nil, bad, ok).WriteFrame(context.Background(), frameOf(4))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 writes, got %d", len(got))
	}
}

func TestPacedSchedulesRealTime(t *testing.T) {
	now := time.Unix(0, 0)
	var slept []time.Duration
	p := NewPaced(Discard)
	p.now = func() time.Time { return now }
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.WriteFrame(ctx, frameOf(1)); err != nil {
			t.Fatal(err)
		}
	}
	if len(slept) != 2 || slept[0] != 20*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Fatalf("slept = %v", slept)
	}

	// a long pause restarts the schedule instead of bursting
	now = now.Add(time.Second)
	slept = nil
	if err := p.WriteFrame(ctx, frameOf(1)); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 0 {
		t.Fatalf("unexpected sleep after gap: %v", slept)
	}
}

func TestWAVRecorder(t *testing.T) {
	dir := t.TempDir()
	r := NewWAVRecorder(dir, "s1", "c1", 32000)
	if err := r.Close(); err != nil {
		t.Fatalf("empty close: %v", err)
	}
	if _, err := os.Stat(r.Path()); !os.IsNotExist(err) {
		t.Fatal("empty recording should not be written")
	}

	ctx := context.Background()
	_ = r.WriteFrame(ctx, frameOf(1))
	_ = r.WriteFrame(ctx, frameOf(2))
	r.Annotate("text", "hello")
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44+2*1280 {
		t.Fatalf("wav size = %d", len(data))
	}
	if !strings.Contains(r.Path(), "sessions1_tts_cidc1") {
		t.Fatalf("path = %s", r.Path())
	}
	raw, err := os.ReadFile(r.SidecarPath())
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["correlation_id"] != "c1" || meta["frames"] != float64(2) || meta["text"] != "hello" {
		t.Fatalf("sidecar = %v", meta)
	}
}

func TestWebSocketSink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	sink := NewWebSocketSink(conn)

	ctx := context.Background()
	if err := sink.WriteFrame(ctx, frameOf(3)); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteJSON(ctx, map[string]string{"type": "turn"}); err != nil {
		t.Fatal(err)
	}
	if got := <-received; len(got) != 1280 || got[0] != 3 {
		t.Fatalf("binary frame = %d bytes", len(got))
	}
	if got := <-received; !strings.Contains(string(got), `"turn"`) {
		t.Fatalf("json = %s", got)
	}
}
