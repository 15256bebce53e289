// Package hotkey maps global key combinations to callbacks.
//
// A Registrar owns the binding table. Each binding has a unique ID and a
// key.Combo; no two enabled bindings may share a combo. Registration,
// removal and enable/disable keep the table and the OS-level Backend in
// step, and the check-then-insert in Register happens under one lock.
//
// Presses arrive through Press (combo based) or Trigger (ID based), usually
// from a capture listener or a platform backend. Callbacks never run on the
// caller's goroutine: they are queued to a single dispatcher goroutine with
// a bounded queue and panic recovery, so a slow callback cannot stall input
// capture.
//
//	reg := hotkey.NewRegistrar(hotkey.Options{Backend: hotkey.NewLocalBackend()})
//	defer reg.Close(context.Background())
//
//	err := reg.Register("record", key.ModCtrl|key.ModShift, key.CodeF9, func(b hotkey.Binding) {
//		toggleRecording()
//	})
//
// SuspendAll and ResumeAll uninstall and reinstall every enabled binding
// on the Backend while leaving the table untouched.
package hotkey
