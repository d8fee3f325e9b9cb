// Package micstate is the shared pause/mute record exchanged between the
// mic control surface and the audio engines. It is a small JSON file: the
// panel writes it, the playback and capture loops poll it at iteration
// boundaries. A missing or corrupt file always reads as "not paused, not
// muted" so a broken panel can never wedge voice output.
package micstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	ModePushToTalk = "push_to_talk"
	ModeToggle     = "toggle"
	ModeAlwaysOn   = "always_on"
)

// State is the shared record. Volume only scales the level meter; it never
// attenuates recorded audio.
type State struct {
	Mode      string  `json:"mode"`
	Recording bool    `json:"recording"`
	Muted     bool    `json:"muted"`
	Volume    float64 `json:"volume"`
	TTSPaused bool    `json:"tts_paused"`
}

func defaultState() State {
	return State{Mode: ModePushToTalk, Volume: 1.0}
}

// File reads and writes the shared state record.
type File struct {
	path string

	mu sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

// Load returns the current state, falling back to defaults on any error.
func (f *File) Load() State {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return defaultState()
	}
	st := defaultState()
	if err := json.Unmarshal(data, &st); err != nil {
		return defaultState()
	}
	if st.Mode == "" {
		st.Mode = ModePushToTalk
	}
	if st.Volume < 0 {
		st.Volume = 0
	}
	return st
}

// Paused reports whether TTS output is paused.
func (f *File) Paused() bool { return f.Load().TTSPaused }

// Muted reports whether inbound mic frames should be dropped.
func (f *File) Muted() bool { return f.Load().Muted }

// Save persists the state with a rename so readers never observe a torn
// write.
func (f *File) Save(st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode mic state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mic state dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mic state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace mic state: %w", err)
	}
	return nil
}

// Update applies fn to the current state and saves the result.
func (f *File) Update(fn func(*State)) (State, error) {
	st := f.Load()
	fn(&st)
	if err := f.Save(st); err != nil {
		return st, err
	}
	return st, nil
}
