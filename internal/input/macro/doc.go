// Package macro records live input into action sequences and replays them.
//
// # Concepts
//
// An Action is one replayable step: a key transition, a pointer move, a
// button transition, a wheel step, a plain delay, or a visual wait on a
// named template. Every action carries the delay that preceded it.
//
// A Sequence is an ordered, immutable list of actions plus repeat
// settings. Sequences are produced by a Recorder, loaded from disk, or
// built directly with NewSequence.
//
// # Recording
//
// A Recorder subscribes to a capture Listener while recording. Each
// capture event becomes an action whose delay is the time elapsed since
// the previous recorded action. Pointer moves are coalesced: a move is
// only recorded when MoveInterval has passed since the last recorded
// action.
//
//	rec, _ := macro.NewRecorder(macro.RecorderOptions{Source: hooks})
//	rec.Start("login")
//	// ... user input ...
//	seq, _ := rec.Stop()
//
// # Playback
//
// A Player replays one sequence at a time on a single worker goroutine.
// Pause and Stop are observed between actions, never during one.
//
//	player := macro.NewPlayer(macro.PlayerOptions{Injector: inj})
//	player.Load(seq)
//	player.Play()
//	player.Wait(ctx)
//
// Injection failures are wrapped in an InjectionError and handed to the
// configured Recoverer; playback continues unless recovery aborts it.
//
// # Persistence
//
// Sequences are saved as versioned YAML documents with Save and Load.
//
// # Thread Safety
//
// Recorder and Player are safe for concurrent use. Sequence values are
// read-only and may be shared freely.
package macro
