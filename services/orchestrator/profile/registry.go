// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"embed"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

//go:embed profiles/*.yaml
var defaultProfilesFS embed.FS

// defaultCapabilities covers commonly available models that may be
// referenced without appearing in the active roster (e.g., a user's stored
// preference pointing at a model from another profile). Sizes are
// conservative estimates.
var defaultCapabilities = map[string]ModelCapability{
	"llama3.2:3b":       {Name: "llama3.2:3b", Backend: "ollama", VRAMSizeGB: 2.5, Priority: "NORMAL", ContextWindow: 16384, KeepAlive: "10m"},
	"llama3.1:8b":       {Name: "llama3.1:8b", Backend: "ollama", VRAMSizeGB: 6, Priority: "NORMAL", ContextWindow: 32768, KeepAlive: "10m"},
	"qwen2.5-coder:7b":  {Name: "qwen2.5-coder:7b", Backend: "ollama", VRAMSizeGB: 6, Priority: "NORMAL", SupportsTools: true, ContextWindow: 32768, KeepAlive: "15m"},
	"mistral:7b":        {Name: "mistral:7b", Backend: "ollama", VRAMSizeGB: 5, Priority: "NORMAL", ContextWindow: 32768, KeepAlive: "10m"},
	"nomic-embed-text":  {Name: "nomic-embed-text", Backend: "ollama", VRAMSizeGB: 0.5, Priority: "HIGH", ContextWindow: 8192, KeepAlive: "-1"},
	"granite4:micro-h":  {Name: "granite4:micro-h", Backend: "ollama", VRAMSizeGB: 2.5, Priority: "HIGH", ContextWindow: 16384, KeepAlive: "-1"},
}

// Registry holds every known profile and the active selection.
//
// # Thread Safety
//
// Reads take the RLock and return the active pointer; a switch swaps the
// pointer under the write lock. In-flight readers keep whichever profile
// they resolved, so they observe pre- or post-switch state atomically.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	active   *Profile
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the embedded default profiles and, when dir is
// non-empty, overlays YAML files found there. The profile named activeName
// becomes active; ErrInvalidProfile when it is unknown.
func NewRegistry(dir, activeName string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		profiles: make(map[string]*Profile),
		logger:   logger.With(slog.String("component", "profile_registry")),
		done:     make(chan struct{}),
	}

	entries, err := fs.ReadDir(defaultProfilesFS, "profiles")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := defaultProfilesFS.ReadFile("profiles/" + e.Name())
		if err != nil {
			return nil, err
		}
		p, err := parseProfile(data)
		if err != nil {
			return nil, err
		}
		r.profiles[p.Name] = p
	}

	if dir != "" {
		if err := r.loadDir(dir); err != nil {
			return nil, err
		}
	}

	p, ok := r.profiles[activeName]
	if !ok {
		return nil, datatypes.Errorf(datatypes.KindInvalidProfile,
			"unknown profile %q", activeName)
	}
	r.active = p
	r.logger.Info("Profile registry initialized",
		"active", activeName, "profiles", len(r.profiles))
	return r, nil
}

// NewRegistryFromProfiles builds a registry from in-memory profiles,
// bypassing the embedded defaults. Used by tests and by tooling that
// constructs profiles programmatically.
func NewRegistryFromProfiles(profiles []*Profile, activeName string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		profiles: make(map[string]*Profile, len(profiles)),
		logger:   logger.With(slog.String("component", "profile_registry")),
		done:     make(chan struct{}),
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.profiles[p.Name] = p
	}
	p, ok := r.profiles[activeName]
	if !ok {
		return nil, datatypes.Errorf(datatypes.KindInvalidProfile, "unknown profile %q", activeName)
	}
	r.active = p
	return r, nil
}

// loadDir parses every *.yaml in dir, overriding embedded profiles with
// the same name. Invalid files fail registry construction; at watch time
// they are only logged.
func (r *Registry) loadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		p, err := loadProfileFile(path)
		if err != nil {
			return err
		}
		r.profiles[p.Name] = p
	}
	return nil
}

// Active returns the current profile. The returned pointer is immutable by
// convention; switches replace the pointer rather than mutating.
func (r *Registry) Active() *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Names lists all registered profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}

// Switch atomically activates the named profile.
func (r *Registry) Switch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		return datatypes.Errorf(datatypes.KindInvalidProfile, "unknown profile %q", name)
	}
	prev := ""
	if r.active != nil {
		prev = r.active.Name
	}
	r.active = p
	r.logger.Info("Profile switched", "from", prev, "to", name)
	return nil
}

// Capability resolves a model's capability: active roster first, then the
// default registry, then a synthesized NORMAL-priority capability with
// conservative defaults so unknown models degrade instead of failing.
func (r *Registry) Capability(modelID string) ModelCapability {
	active := r.Active()
	if active != nil {
		if cap, ok := active.Capability(modelID); ok {
			return cap
		}
	}
	if cap, ok := defaultCapabilities[modelID]; ok {
		return cap
	}
	r.logger.Warn("Unknown model, synthesizing conservative capability", "model", modelID)
	return ModelCapability{
		Name:          modelID,
		Backend:       "ollama",
		VRAMSizeGB:    8,
		Priority:      "NORMAL",
		ContextWindow: 8192,
		KeepAlive:     "5m",
	}
}

// Watch starts an fsnotify watcher on dir and hot-reloads profile files as
// they change. Invalid edits are logged and ignored; the active profile
// pointer is refreshed when its backing definition changed.
func (r *Registry) Watch(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".yaml") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := loadProfileFile(ev.Name)
				if err != nil {
					r.logger.Warn("Ignoring invalid profile edit", "file", ev.Name, "error", err)
					continue
				}
				r.mu.Lock()
				r.profiles[p.Name] = p
				if r.active != nil && r.active.Name == p.Name {
					r.active = p
				}
				r.mu.Unlock()
				r.logger.Info("Profile reloaded", "profile", p.Name, "file", ev.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Profile watcher error", "error", err)
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}
