package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Load reads the configuration from flash: primary file first, falling back
// to the backup and rewriting the primary on recovery. When neither parses
// the in-memory defaults stay in place. Called at boot before the save worker
// starts, and again at runtime by the reload command.
func (s *Store) Load() {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.loadFile(s.primary) {
		s.dataMu.Lock()
		s.lastSaved = s.current.Clone()
		s.saved = true
		s.dirty = false
		s.dataMu.Unlock()
		return
	}

	if s.loadFile(s.backup) {
		s.logger.Warn().Str("file", s.backup).Msg("recovered config from backup")
		s.saveFilesLocked()
		return
	}

	s.logger.Error().Msg("no readable config, using defaults")
	s.report("config", "No readable config file, using defaults")
}

func (s *Store) loadFile(filename string) bool {
	raw, err := os.ReadFile(filename)
	if err != nil {
		s.logger.Info().Str("file", filename).Err(err).Msg("config file not readable")
		return false
	}

	s.dataMu.Lock()
	geometry := NewData(len(s.current.Switches), len(s.current.Buttons),
		len(s.current.Dimmers), len(s.current.Selector))
	s.dataMu.Unlock()

	data, err := UnmarshalData(raw, geometry)
	if err != nil {
		s.logger.Error().Str("file", filename).Err(err).Msg("failed to parse config file")
		s.collector.IncParseError("config_file")
		return false
	}

	s.dataMu.Lock()
	s.current = data
	s.assignGroupIDsLocked()
	s.dataMu.Unlock()

	s.logger.Info().Str("file", filename).Int("size", len(raw)).Msg("loaded config")
	s.publish("/loaded_config", filename+" "+strconv.Itoa(len(raw)), false)
	return true
}

// SaveNow synchronously flushes the configuration when it is dirty. Used by
// the reboot handler and at shutdown.
func (s *Store) SaveNow() {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	s.savePassLocked()
}

// RunSaver is the background persistence worker. Mutations mark the store
// dirty and signal the worker; the worker holds the file lock across the
// write but copies the configuration under the data lock, so readers and
// writers stay responsive during slow flash writes. The watchdog feed runs
// on its own ticker at feedInterval, independent of the save interval, so
// the worker resets the watchdog several times per timeout even when idle.
func (s *Store) RunSaver(ctx context.Context, interval, feedInterval time.Duration, feed func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if feedInterval <= 0 {
		feedInterval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	feedTicker := time.NewTicker(feedInterval)
	defer feedTicker.Stop()

	for {
		if feed != nil {
			feed()
		}

		save := false
		select {
		case <-ctx.Done():
			s.SaveNow()
			return
		case <-s.dirtyCh:
			save = true
		case <-ticker.C:
			save = true
		case <-feedTicker.C:
		}
		if !save {
			continue
		}

		s.fileMu.Lock()
		s.savePassLocked()
		s.fileMu.Unlock()
	}
}

// savePassLocked writes the configuration until it stops changing under the
// writer's feet. Caller holds fileMu.
func (s *Store) savePassLocked() {
	for {
		s.dataMu.Lock()
		if s.saved && !s.dirty && s.current.Equal(s.lastSaved) {
			s.dataMu.Unlock()
			return
		}
		s.dirty = false
		s.dataMu.Unlock()

		if !s.saveFilesLocked() {
			// Keep lastSaved untouched; the next dirty tick retries.
			return
		}

		s.dataMu.Lock()
		settled := s.current.Equal(s.lastSaved)
		s.dataMu.Unlock()
		if settled {
			return
		}
	}
}

// saveFilesLocked runs the save protocol: write primary, re-parse primary as
// a syntactic check, then write the backup. Both writes must succeed before
// the save is declared done. Caller holds fileMu.
func (s *Store) saveFilesLocked() bool {
	s.dataMu.Lock()
	snapshot := s.current.Clone()
	s.dataMu.Unlock()

	encoded, err := MarshalData(snapshot)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode config")
		return false
	}

	if !s.writeFile(s.primary, encoded) {
		return false
	}
	written, err := os.ReadFile(s.primary)
	if err != nil {
		s.logger.Error().Str("file", s.primary).Err(err).Msg("config verify failed")
		return false
	}
	if _, err := UnmarshalData(written, snapshot); err != nil {
		s.logger.Error().Str("file", s.primary).Err(err).Msg("config verify failed")
		return false
	}
	if !s.writeFile(s.backup, encoded) {
		return false
	}

	s.dataMu.Lock()
	s.lastSaved = snapshot
	s.saved = true
	s.dataMu.Unlock()
	return true
}

func (s *Store) writeFile(filename string, encoded []byte) bool {
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		s.report("config", fmt.Sprintf("Failed to write config file %s: %v", filename, err))
		return false
	}
	if err := os.Rename(tmp, filename); err != nil {
		s.report("config", fmt.Sprintf("Failed to write config file %s: %v", filename, err))
		return false
	}
	s.collector.IncConfigSave(filename)
	s.publish("/saved_config", filename+" "+strconv.Itoa(len(encoded)), false)
	return true
}
