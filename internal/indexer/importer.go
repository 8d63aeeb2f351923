package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/fileid"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/storage"
)

const maxLineBytes = 4 << 20

// ImportJSONL imports one message per line from r. Blank lines are ignored; lines that do not
// parse or are invalid are counted as failed. Messages without an ID get a UUID; when source
// names the file being read, the UUID is derived from source and line number so re-imports
// update rather than duplicate. Imported messages are embedded by an IndexAll run at the end.
func (idx *Indexer) ImportJSONL(ctx context.Context, r io.Reader, source string) (*models.ImportReport, error) {
	report := &models.ImportReport{}
	chats := make(map[string]struct{})
	var pending []*models.Message

	flush := func() error {
		if len(pending) == 0 || idx.lexical == nil {
			pending = pending[:0]
			return nil
		}
		err := idx.lexical.IndexMessages(ctx, pending)
		pending = pending[:0]
		return err
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return report, err
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var in models.MessageInput
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			idx.logger.Debug("skipping malformed line", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			report.Failed++
			continue
		}
		if in.ID == "" {
			if source != "" {
				in.ID = fileid.MessageID(source, line)
			} else {
				in.ID = uuid.NewString()
			}
		}
		msg, err := newMessage(&in)
		if err != nil {
			idx.logger.Debug("skipping invalid message", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			report.Failed++
			continue
		}
		if err := idx.store.UpsertMessage(ctx, msg); err != nil {
			idx.logger.Warn("failed to store imported message", zap.String("id", msg.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Imported++
		chats[msg.ChatID] = struct{}{}
		pending = append(pending, msg)
		if len(pending) >= lexicalBatchSize {
			if err := flush(); err != nil {
				return report, fmt.Errorf("failed to index keywords: %w", err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("failed to read import: %w", err)
	}
	if err := flush(); err != nil {
		return report, fmt.Errorf("failed to index keywords: %w", err)
	}
	if report.Imported == 0 {
		return report, nil
	}

	for chat := range chats {
		idx.semantic.InvalidateChat(ctx, chat)
	}
	ir, err := idx.semantic.IndexAll(ctx)
	report.Index = ir
	if err != nil {
		return report, fmt.Errorf("failed to embed imported messages: %w", err)
	}
	return report, nil
}

// ImportFile imports a JSONL file. A file already imported with the same modification time
// and size is skipped. If extensions are configured, the file's extension must be among them.
func (idx *Indexer) ImportFile(ctx context.Context, path string) (*models.ImportReport, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(idx.extensions) > 0 && !extensionAllowed(ext, idx.extensions) {
		return nil, fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}

	id := fileid.FileID(absPath)
	prev, err := idx.store.GetImportSource(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if prev != nil && prev.ModTime.Equal(info.ModTime()) && prev.Size == info.Size() {
		idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
		return &models.ImportReport{Skipped: true}, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	idx.logger.Debug("indexer importing file", zap.String("path", absPath))
	report, err := idx.ImportJSONL(ctx, f, absPath)
	if err != nil {
		return report, err
	}
	src := &models.ImportSource{
		ID:         id,
		Path:       absPath,
		ModTime:    info.ModTime(),
		Size:       info.Size(),
		Messages:   report.Imported,
		ImportedAt: time.Now(),
	}
	if err := idx.store.PutImportSource(ctx, src); err != nil {
		return report, err
	}
	idx.logger.Info("imported archive file",
		zap.String("path", absPath),
		zap.Int("imported", report.Imported),
		zap.Int("failed", report.Failed))
	return report, nil
}

// ImportDirectory walks dir recursively and imports every regular file with an allowed
// extension. It returns the number of files imported; a failing file does not stop the walk.
func (idx *Indexer) ImportDirectory(ctx context.Context, dir string) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}

	n := 0
	var errs []error
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if len(idx.extensions) > 0 && !extensionAllowed(ext, idx.extensions) {
			return nil
		}
		// Resolve symlinks so only regular files are imported.
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		report, importErr := idx.ImportFile(ctx, path)
		if importErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, importErr))
			return nil
		}
		if !report.Skipped {
			n++
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}

// ForgetFile drops the import record of path so the file is imported again if it reappears.
// Messages already imported from it stay in the archive.
func (idx *Indexer) ForgetFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	return idx.store.DeleteImportSource(ctx, fileid.FileID(absPath))
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
