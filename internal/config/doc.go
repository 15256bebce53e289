// Package config loads keyreplay settings.
//
// Settings come from three layers, later layers winning:
//
//  1. Default()
//  2. a TOML file (usually $XDG_CONFIG_HOME/keyreplay/config.toml)
//  3. KEYREPLAY_<SECTION>_<KEY> environment variables
//
// Durations are written as Go duration strings ("50ms", "2s").
//
// A Watcher reloads the file when it changes and hands the new Config to
// subscribers, which apply the live-tunable values (move interval, settle
// delay, match threshold, poll interval) to running components.
package config
