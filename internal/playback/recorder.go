package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/voice"
)

// WAVRecorder keeps every frame of one reply and writes a WAV file on Close,
// plus a JSON sidecar describing it.
type WAVRecorder struct {
	mu            sync.Mutex
	path          string
	sessionID     string
	correlationID string
	sampleRate    int
	created       time.Time
	frames        int
	notes         map[string]interface{}
	pcm           bytes.Buffer
}

// NewWAVRecorder names the file after the session and correlation ID.
func NewWAVRecorder(dir, sessionID, correlationID string, sampleRate int) *WAVRecorder {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_session%s_tts_cid%s.wav", now.Format("20060102T150405.000Z"), sessionID, correlationID)
	return &WAVRecorder{
		path:          filepath.Join(dir, name),
		sessionID:     sessionID,
		correlationID: correlationID,
		sampleRate:    sampleRate,
		created:       now,
		notes:         map[string]interface{}{},
	}
}

func (r *WAVRecorder) WriteFrame(_ context.Context, f voice.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcm.Write(f.Bytes())
	r.frames++
	return nil
}

// Annotate adds key to the sidecar written on Close.
func (r *WAVRecorder) Annotate(key string, value interface{}) {
	r.mu.Lock()
	r.notes[key] = value
	r.mu.Unlock()
}

// Path is where Close writes the recording.
func (r *WAVRecorder) Path() string { return r.path }

// SidecarPath is the JSON file written next to the recording.
func (r *WAVRecorder) SidecarPath() string {
	return strings.TrimSuffix(r.path, ".wav") + ".json"
}

// Close writes the WAV and its sidecar atomically. An empty recording
// writes nothing.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pcm.Len() == 0 {
		return nil
	}
	if err := voice.SaveFileAtomic(r.path, voice.EncodeWAV(r.pcm.Bytes(), r.sampleRate, 1, 16), 0o644); err != nil {
		logging.Warnw("playback: failed to save wav", "err", err, "path", r.path)
		return err
	}
	meta := map[string]interface{}{}
	for k, v := range r.notes {
		meta[k] = v
	}
	meta["correlation_id"] = r.correlationID
	meta["session_id"] = r.sessionID
	meta["sample_rate"] = r.sampleRate
	meta["frames"] = r.frames
	meta["wav"] = filepath.Base(r.path)
	meta["created_utc"] = r.created.Format(time.RFC3339Nano)
	b, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = voice.SaveFileAtomic(r.SidecarPath(), b, 0o644)
	}
	if err != nil {
		logging.Warnw("playback: failed to save sidecar", "err", err, "path", r.SidecarPath())
	}
	logging.Infow("playback: saved reply audio", "path", r.path, "bytes", r.pcm.Len(), "frames", r.frames)
	r.pcm.Reset()
	return err
}
