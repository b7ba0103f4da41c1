package main

import (
	"os"
	"path/filepath"
)

// stateDir resolves the directory holding dlforge's per-user state:
// queue snapshot, terminal-transition ledger, options file, and the
// single-instance lock. $DLFORGE_HOME wins if set; otherwise
// $XDG_CONFIG_HOME/dlforge, falling back to ~/.dlforge.
func stateDir() string {
	if d := os.Getenv("DLFORGE_HOME"); d != "" {
		return d
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dlforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dlforge"
	}
	return filepath.Join(home, ".dlforge")
}

func ensureStateDir() (string, error) {
	d := stateDir()
	if err := os.MkdirAll(d, 0755); err != nil {
		return "", err
	}
	return d, nil
}

func optionsPath() string { return filepath.Join(stateDir(), "options.json") }
func queueStatePath() string { return filepath.Join(stateDir(), "queue.json") }
func ledgerPath() string { return filepath.Join(stateDir(), "history.db") }
func lockPath() string { return filepath.Join(stateDir(), "dlforge.lock") }
