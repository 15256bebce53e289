package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/keyreplay/internal/input/macro"
)

// StartRecording begins a new recording. An empty name is replaced by a
// timestamped one.
func (app *Application) StartRecording(name string) error {
	if app.isClosed() {
		return ErrClosed
	}
	if app.recorder == nil {
		return fmt.Errorf("recording: %w", ErrComponentNotAvailable)
	}
	if name == "" {
		name = "recording-" + time.Now().Format("20060102-150405")
	}
	if err := app.recorder.Start(name); err != nil {
		return err
	}
	app.logger.Info("recording started", "sequence", name)
	return nil
}

// StopRecording finishes the recording and keeps it as the last sequence
// unless it is empty. The sequence is returned even when releasing the
// capture subscription fails.
func (app *Application) StopRecording() (*macro.Sequence, error) {
	if app.recorder == nil {
		return nil, fmt.Errorf("recording: %w", ErrComponentNotAvailable)
	}
	seq, err := app.recorder.Stop()
	if seq == nil {
		return nil, err
	}
	app.metrics.RecordRecording(seq)
	if seq.Len() > 0 {
		app.SetLastSequence(seq)
	}
	return seq, err
}

// SetLastSequence makes seq the target of the play hotkey.
func (app *Application) SetLastSequence(seq *macro.Sequence) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.last = seq
}

// LastSequence returns the most recent recording or loaded sequence.
func (app *Application) LastSequence() (*macro.Sequence, bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.last, app.last != nil
}

// Play loads seq and starts it.
func (app *Application) Play(seq *macro.Sequence) error {
	if app.isClosed() {
		return ErrClosed
	}
	if err := app.player.Load(seq); err != nil {
		return err
	}
	if err := app.player.Play(); err != nil {
		return err
	}
	app.SetLastSequence(seq)
	app.logger.Info("playback started", "sequence", seq.Name(), "actions", seq.Len(), "passes", seq.Passes(), "loop", seq.Loop())
	return nil
}

// SaveLast writes the last sequence to path, or to the configured
// sequence file when path is empty.
func (app *Application) SaveLast(path string) error {
	seq, ok := app.LastSequence()
	if !ok {
		return ErrNothingRecorded
	}
	if path == "" {
		path = app.Config().Playback.SequenceFile
	}
	if path == "" {
		var err error
		if path, err = macro.DefaultSequencePath(); err != nil {
			return err
		}
	}
	if err := macro.Save(path, seq); err != nil {
		return err
	}
	app.logger.Info("sequence saved", "sequence", seq.Name(), "path", path)
	return nil
}

// TogglePause pauses a running playback or resumes a paused one.
func (app *Application) TogglePause() error {
	if app.player.IsPaused() {
		return app.player.Resume()
	}
	return app.player.Pause()
}

// StopPlayback stops the player. Held keys are not released.
func (app *Application) StopPlayback() {
	app.player.Stop()
}

// Hotkey actions run on the hotkey dispatcher goroutine; failures are
// logged there.

func (app *Application) toggleRecording() {
	if app.recorder != nil && app.recorder.IsRecording() {
		if _, err := app.StopRecording(); err != nil {
			app.logger.Warn("stop recording", "error", err)
		}
		return
	}
	if app.player.IsPlaying() {
		app.logger.Warn("recording ignored during playback")
		return
	}
	if err := app.StartRecording(""); err != nil {
		app.logger.Warn("start recording", "error", err)
	}
}

func (app *Application) playLast() {
	if app.recorder != nil && app.recorder.IsRecording() {
		app.logger.Warn("playback ignored while recording")
		return
	}
	seq, ok := app.LastSequence()
	if !ok {
		app.logger.Warn("play", "error", ErrNothingRecorded)
		return
	}
	if app.player.IsPlaying() {
		return
	}
	if err := app.Play(seq); err != nil && !errors.Is(err, macro.ErrInvalidState) {
		app.logger.Warn("play", "error", err)
	}
}

func (app *Application) togglePause() {
	if err := app.TogglePause(); err != nil && !errors.Is(err, macro.ErrInvalidState) {
		app.logger.Warn("pause", "error", err)
	}
}
