// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile owns the active hardware/model profile: the model roster
// with capabilities, VRAM limits, the role→model map, and per-route fetch
// limits. Profiles are declarative YAML; switching is atomic.
package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// MaxProfileFileSize caps profile YAML files (1MB). Prevents memory issues
// from a bad file landing in the profile directory.
const MaxProfileFileSize = 1024 * 1024

// ModelCapability describes one model in a profile's roster.
type ModelCapability struct {
	Name             string  `yaml:"name" validate:"required"`
	Backend          string  `yaml:"backend" validate:"required,oneof=ollama sglang vllm tensorrt"`
	VRAMSizeGB       float64 `yaml:"vram_size_gb" validate:"gte=0"`
	Priority         string  `yaml:"priority" validate:"omitempty,oneof=CRITICAL HIGH NORMAL LOW"`
	SupportsTools    bool    `yaml:"supports_tools"`
	SupportsThinking bool    `yaml:"supports_thinking"`
	ThinkingFormat   string  `yaml:"thinking_format,omitempty"`
	ContextWindow    int     `yaml:"context_window" validate:"gte=0"`
	KeepAlive        string  `yaml:"keep_alive,omitempty"`
}

// PriorityValue converts the YAML label to the eviction ordering value.
func (m ModelCapability) PriorityValue() datatypes.Priority {
	return datatypes.ParsePriority(m.Priority)
}

// BackendKind converts the YAML label to the typed backend kind.
func (m ModelCapability) BackendKind() datatypes.BackendKind {
	return datatypes.BackendKind(m.Backend)
}

// RoleMap assigns a roster model to each routing role. Every field is
// required; validation rejects profiles with dangling role references.
type RoleMap struct {
	Router             string `yaml:"router" validate:"required"`
	SimpleCoder        string `yaml:"simple_coder" validate:"required"`
	ComplexCoder       string `yaml:"complex_coder" validate:"required"`
	Reasoning          string `yaml:"reasoning" validate:"required"`
	Research           string `yaml:"research" validate:"required"`
	Math               string `yaml:"math" validate:"required"`
	Vision             string `yaml:"vision" validate:"required"`
	Embedding          string `yaml:"embedding" validate:"required"`
	Summarization      string `yaml:"summarization" validate:"required"`
	ArtifactDetection  string `yaml:"artifact_detection" validate:"required"`
	ArtifactExtraction string `yaml:"artifact_extraction" validate:"required"`
}

// All returns role name → model pairs for validation and introspection.
func (r RoleMap) All() map[string]string {
	return map[string]string{
		"router":              r.Router,
		"simple_coder":        r.SimpleCoder,
		"complex_coder":       r.ComplexCoder,
		"reasoning":           r.Reasoning,
		"research":            r.Research,
		"math":                r.Math,
		"vision":              r.Vision,
		"embedding":           r.Embedding,
		"summarization":       r.Summarization,
		"artifact_detection":  r.ArtifactDetection,
		"artifact_extraction": r.ArtifactExtraction,
	}
}

// Profile is a named bundle representing one target hardware configuration.
type Profile struct {
	Name            string            `yaml:"name" validate:"required"`
	Models          []ModelCapability `yaml:"models" validate:"required,min=1,dive"`
	VRAMSoftLimitGB float64           `yaml:"vram_soft_limit_gb" validate:"gte=0"`
	VRAMHardLimitGB float64           `yaml:"vram_hard_limit_gb" validate:"gte=0,gtefield=VRAMSoftLimitGB"`
	Roles           RoleMap           `yaml:"roles" validate:"required"`

	// FetchLimits bounds web/brain fetches per route (route label → max).
	FetchLimits map[string]int `yaml:"fetch_limits,omitempty"`
}

var validate = validator.New()

// Validate enforces the structural rules: every role model must exist in
// the roster and soft ≤ hard. Violations return ErrInvalidProfile kinds.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return datatypes.NewError(datatypes.KindInvalidProfile,
			fmt.Sprintf("profile %q failed validation", p.Name), err)
	}
	roster := make(map[string]bool, len(p.Models))
	for _, m := range p.Models {
		roster[m.Name] = true
	}
	for role, model := range p.Roles.All() {
		if !roster[model] {
			return datatypes.Errorf(datatypes.KindInvalidProfile,
				"profile %q: role %s maps to %q which is not in the roster", p.Name, role, model)
		}
	}
	return nil
}

// Capability looks up a roster model by name.
func (p *Profile) Capability(modelID string) (ModelCapability, bool) {
	for _, m := range p.Models {
		if m.Name == modelID {
			return m, true
		}
	}
	return ModelCapability{}, false
}

// FetchLimit returns the fetch cap for a route, 0 meaning unlimited.
func (p *Profile) FetchLimit(route string) int {
	if p.FetchLimits == nil {
		return 0
	}
	return p.FetchLimits[strings.ToLower(route)]
}

// parseProfile decodes and validates one YAML document.
func parseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, datatypes.NewError(datatypes.KindInvalidProfile, "malformed profile YAML", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// loadProfileFile reads, size-checks, and parses one profile file.
func loadProfileFile(path string) (*Profile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxProfileFileSize {
		return nil, datatypes.Errorf(datatypes.KindInvalidProfile,
			"profile file %s exceeds %d bytes", path, MaxProfileFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseProfile(data)
}
