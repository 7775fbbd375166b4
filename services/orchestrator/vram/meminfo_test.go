// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySampler_ParsesProcFixtures(t *testing.T) {
	root := t.TempDir()
	meminfo := "MemTotal:       1056672000 kB\n" +
		"MemFree:        200000000 kB\n" +
		"MemAvailable:   528336000 kB\n" +
		"Buffers:        1000 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "meminfo"), []byte(meminfo), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "pressure"), 0o755))
	psi := "some avg10=1.50 avg60=0.80 avg300=0.20 total=123456\n" +
		"full avg10=0.25 avg60=0.10 avg300=0.00 total=7890\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pressure/memory"), []byte(psi), 0o644))

	p := NewMemorySampler(root, nil).Sample()

	assert.InDelta(t, 1007.8, p.TotalGB, 0.5)
	assert.InDelta(t, p.TotalGB/2, p.AvailableGB, 0.5)
	assert.InDelta(t, 1.50, p.PSISomeAvg10, 0.001)
	assert.InDelta(t, 0.25, p.PSIFullAvg10, 0.001)
}

func TestMemorySampler_MissingFilesDegradeToZero(t *testing.T) {
	p := NewMemorySampler(t.TempDir(), nil).Sample()
	assert.Zero(t, p.TotalGB)
	assert.Zero(t, p.PSISomeAvg10)
}
