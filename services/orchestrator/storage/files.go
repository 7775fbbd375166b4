// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const (
	// UploadRetention bounds how long inbound attachments stay on disk.
	UploadRetention = time.Hour

	// ArtifactRetention bounds generated artifacts. Long enough for the
	// user to download, short enough that the volume stays small.
	ArtifactRetention = 12 * time.Hour

	sweepInterval = 10 * time.Minute
)

// FileStore owns the upload and artifact directories plus the Badger
// records that describe artifacts. Implements the pipeline's
// ArtifactStore contract.
type FileStore struct {
	db          *DB
	uploadDir   string
	artifactDir string
	logger      *slog.Logger
}

func NewFileStore(db *DB, uploadDir, artifactDir string, logger *slog.Logger) (*FileStore, error) {
	for _, dir := range []string{uploadDir, artifactDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create file store directory %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		db:          db,
		uploadDir:   uploadDir,
		artifactDir: artifactDir,
		logger:      logger.With(slog.String("component", "file_store")),
	}, nil
}

func (s *FileStore) UploadDir() string   { return s.uploadDir }
func (s *FileStore) ArtifactDir() string { return s.artifactDir }

// safeName strips path separators so a client-supplied filename cannot
// escape the store directory.
func safeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "file"
	}
	return name
}

// SaveUpload writes an inbound attachment and returns its FileRef. The
// file is swept after UploadRetention.
func (s *FileStore) SaveUpload(ctx context.Context, filename, mimeType string, content []byte) (datatypes.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.FileRef{}, err
	}
	id := uuid.NewString()
	name := safeName(filename)
	path := filepath.Join(s.uploadDir, id+"_"+name)
	if err := os.WriteFile(path, content, 0640); err != nil {
		return datatypes.FileRef{}, fmt.Errorf("write upload %s: %w", name, err)
	}
	return datatypes.FileRef{
		FileID:      id,
		Filename:    name,
		MimeType:    mimeType,
		StoragePath: path,
		SizeBytes:   int64(len(content)),
	}, nil
}

// SaveArtifact writes a generated artifact to disk and records it under
// artifact/<request-id>/<artifact-id> with the artifact TTL.
func (s *FileStore) SaveArtifact(ctx context.Context, requestID, filename, artifactType string, content []byte) (datatypes.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Artifact{}, err
	}
	art := datatypes.Artifact{
		ArtifactID: uuid.NewString(),
		Filename:   safeName(filename),
		SizeBytes:  int64(len(content)),
		Type:       artifactType,
		CreatedAt:  time.Now().UTC(),
	}
	art.StoragePath = filepath.Join(s.artifactDir, art.ArtifactID+"_"+art.Filename)
	if err := os.WriteFile(art.StoragePath, content, 0640); err != nil {
		return datatypes.Artifact{}, fmt.Errorf("write artifact %s: %w", art.Filename, err)
	}

	key := []byte("artifact/" + requestID + "/" + art.ArtifactID)
	err := s.db.Update(func(txn *badger.Txn) error {
		raw, err := json.Marshal(art)
		if err != nil {
			return fmt.Errorf("marshal artifact record: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(key, raw).WithTTL(ArtifactRetention))
	})
	if err != nil {
		return datatypes.Artifact{}, err
	}
	return art, nil
}

// ArtifactsForRequest lists the recorded artifacts of one request.
func (s *FileStore) ArtifactsForRequest(ctx context.Context, requestID string) ([]datatypes.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("artifact/" + requestID + "/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var art datatypes.Artifact
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &art)
			}); err != nil {
				return err
			}
			out = append(out, art)
		}
		return nil
	})
	return out, err
}

// RunSweeper removes expired files from both directories until ctx is
// cancelled. Badger TTLs expire the records; this loop reclaims disk.
func (s *FileStore) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce removes uploads older than UploadRetention and artifacts
// older than ArtifactRetention.
func (s *FileStore) SweepOnce() {
	s.sweepDir(s.uploadDir, UploadRetention)
	s.sweepDir(s.artifactDir, ArtifactRetention)
}

func (s *FileStore) sweepDir(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("Sweep cannot read directory", "dir", dir, "error", err)
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("Sweep failed to remove file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Swept expired files",
			"dir", filepath.Base(strings.TrimRight(dir, "/")), "count", removed)
	}
}
