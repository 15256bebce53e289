package macro

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// persistedAction is the YAML form of Action. Durations are Go duration
// strings ("12.5ms") so nothing is truncated. Version 1 files stored whole
// milliseconds in delay_ms and timeout_ms; those are still read.
type persistedAction struct {
	Type       ActionType    `yaml:"type"`
	Delay      time.Duration `yaml:"delay"`
	DelayMs    int64         `yaml:"delay_ms,omitempty"`
	Key        key.Code      `yaml:"key,omitempty"`
	Button     mouse.Button  `yaml:"button,omitempty"`
	X          int           `yaml:"x,omitempty"`
	Y          int           `yaml:"y,omitempty"`
	WheelDelta int           `yaml:"wheel_delta,omitempty"`
	Template   string        `yaml:"template,omitempty"`
	Threshold  float64       `yaml:"threshold,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	TimeoutMs  int64         `yaml:"timeout_ms,omitempty"`
}

// persistedSequence represents a single sequence for persistence.
type persistedSequence struct {
	Name        string            `yaml:"name"`
	CreatedAt   time.Time         `yaml:"created_at"`
	Loop        bool              `yaml:"loop,omitempty"`
	RepeatCount int               `yaml:"repeat_count,omitempty"`
	Actions     []persistedAction `yaml:"actions"`
}

// persistedData is the root document.
type persistedData struct {
	Version   int                 `yaml:"version"`
	SavedAt   time.Time           `yaml:"saved_at"`
	Sequences []persistedSequence `yaml:"sequences"`
}

const currentVersion = 2

func toPersistedAction(a Action) persistedAction {
	return persistedAction{
		Type:       a.Type,
		Delay:      a.Delay,
		Key:        a.Key,
		Button:     a.Button,
		X:          a.X,
		Y:          a.Y,
		WheelDelta: a.WheelDelta,
		Template:   a.Template,
		Threshold:  a.Threshold,
		Timeout:    a.Timeout,
	}
}

func toAction(p persistedAction) Action {
	if p.Delay == 0 && p.DelayMs != 0 {
		p.Delay = time.Duration(p.DelayMs) * time.Millisecond
	}
	if p.Timeout == 0 && p.TimeoutMs != 0 {
		p.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return Action{
		Type:       p.Type,
		Delay:      p.Delay,
		Key:        p.Key,
		Button:     p.Button,
		X:          p.X,
		Y:          p.Y,
		WheelDelta: p.WheelDelta,
		Template:   p.Template,
		Threshold:  p.Threshold,
		Timeout:    p.Timeout,
	}
}

// Export encodes sequences as a YAML document.
func Export(seqs ...*Sequence) ([]byte, error) {
	data := persistedData{
		Version:   currentVersion,
		SavedAt:   time.Now().UTC(),
		Sequences: make([]persistedSequence, 0, len(seqs)),
	}
	for _, seq := range seqs {
		if seq == nil {
			continue
		}
		ps := persistedSequence{
			Name:        seq.Name(),
			CreatedAt:   seq.CreatedAt().UTC(),
			Loop:        seq.Loop(),
			RepeatCount: seq.RepeatCount(),
			Actions:     make([]persistedAction, seq.Len()),
		}
		for i := range seq.Len() {
			ps.Actions[i] = toPersistedAction(seq.At(i))
		}
		data.Sequences = append(data.Sequences, ps)
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sequences: %w", err)
	}
	return out, nil
}

// Import decodes a YAML document. Every sequence is validated.
func Import(raw []byte) ([]*Sequence, error) {
	var data persistedData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sequences: %w", err)
	}
	if data.Version > currentVersion {
		return nil, fmt.Errorf("unsupported sequence file version: %d (max supported: %d)",
			data.Version, currentVersion)
	}

	seqs := make([]*Sequence, 0, len(data.Sequences))
	for _, ps := range data.Sequences {
		actions := make([]Action, len(ps.Actions))
		for i, pa := range ps.Actions {
			actions[i] = toAction(pa)
		}
		seq := newSequence(ps.Name, ps.CreatedAt, actions).WithLoop(ps.Loop)
		if ps.RepeatCount > 0 {
			seq = seq.WithRepeat(ps.RepeatCount)
		}
		if err := seq.Validate(); err != nil {
			return nil, fmt.Errorf("sequence %q: %w", ps.Name, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// Save writes sequences to path atomically using a temporary file and
// rename.
func Save(path string, seqs ...*Sequence) error {
	out, err := Export(seqs...)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, out, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load reads every sequence stored at path.
func Load(path string) ([]*Sequence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence file: %w", err)
	}
	return Import(raw)
}

// LoadNamed reads path and returns the sequence called name. An empty
// name selects the first sequence.
func LoadNamed(path, name string) (*Sequence, error) {
	seqs, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, seq := range seqs {
		if name == "" || seq.Name() == name {
			return seq, nil
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptySequence)
	}
	return nil, fmt.Errorf("sequence %q not found in %s", name, path)
}

// DefaultSequencePath returns the default sequence file.
// On Unix-like systems: ~/.config/keyreplay/sequences.yaml
// On Windows: %APPDATA%/keyreplay/sequences.yaml
func DefaultSequencePath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(configDir, "keyreplay", "sequences.yaml"), nil
}
