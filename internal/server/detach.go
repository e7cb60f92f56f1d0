package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DetachFile is the state file name inside the fts home.
const DetachFile = "server.json"

var ErrNotDetached = errors.New("server: no detached server running")

// DetachState lets `fts close` find a detached `fts open`.
type DetachState struct {
	PID        int       `json:"pid"`
	ListenAddr string    `json:"listen_addr"`
	AdminAddr  string    `json:"admin_addr"`
	Token      string    `json:"token"`
	Started    time.Time `json:"started"`
}

// WriteDetachState replaces path atomically. The file holds the admin token
// so it is private to the user.
func WriteDetachState(path string, st DetachState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".server-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadDetachState(path string) (DetachState, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DetachState{}, ErrNotDetached
	}
	if err != nil {
		return DetachState{}, err
	}
	var st DetachState
	if err := json.Unmarshal(raw, &st); err != nil {
		return DetachState{}, fmt.Errorf("server: parse %s: %w", path, err)
	}
	if st.AdminAddr == "" || st.Token == "" {
		return DetachState{}, fmt.Errorf("server: %s is missing admin address or token", path)
	}
	return st, nil
}

// RemoveDetachState deletes path if it still belongs to pid.
func RemoveDetachState(path string, pid int) error {
	st, err := ReadDetachState(path)
	if errors.Is(err, ErrNotDetached) {
		return nil
	}
	if err == nil && st.PID != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
