package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/model"
	"github.com/aliskhannn/doc-translator/internal/storage/file"
)

// Artifact types accepted by Download.
const (
	FileTypeMono = "mono"
	FileTypeDual = "dual"
)

// SaveUpload stores an uploaded PDF as uploads/<owner>/<file_id>_<filename>
// and returns the file id used to submit it.
func (s *Service) SaveUpload(ctx context.Context, owner, filename string, src io.Reader) (string, error) {
	if err := validOwner(owner); err != nil {
		return "", err
	}

	name := cleanFilename(filename)
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		return "", fmt.Errorf("%w: only PDF files are supported", ErrInvalidSubmission)
	}

	fileID := uuid.NewString()
	key, err := s.storage.Save(ctx, uploadDir(owner), fileID+"_"+name, src)
	if err != nil {
		return "", fmt.Errorf("upload: failed to save file: %w", err)
	}

	zlog.Logger.Info().Str("owner", owner).Str("file_id", fileID).Str("key", key).Msg("file uploaded")
	return fileID, nil
}

// SubmitUpload resolves a previously uploaded file and submits it.
func (s *Service) SubmitUpload(ctx context.Context, owner, fileID string, settings json.RawMessage) (string, error) {
	if err := validOwner(owner); err != nil {
		return "", err
	}
	if _, err := uuid.Parse(fileID); err != nil {
		return "", fmt.Errorf("%w: invalid file id", ErrInvalidSubmission)
	}

	key, err := s.storage.Find(ctx, uploadDir(owner)+"/"+fileID+"_")
	if err != nil {
		return "", fmt.Errorf("submit: failed to find upload: %w", err)
	}

	return s.Submit(ctx, model.SubmitRequest{
		Owner:    owner,
		FileRef:  key,
		Filename: strings.TrimPrefix(path.Base(key), fileID+"_"),
		Settings: settings,
	})
}

// Download opens a result artifact of a completed task owned by owner and
// returns it with the file name to present to the client.
func (s *Service) Download(ctx context.Context, owner, id, fileType string) (io.ReadCloser, string, error) {
	t, err := s.OwnedTask(ctx, owner, id)
	if err != nil {
		return nil, "", err
	}
	if t.Status != model.StatusCompleted || t.Result == nil {
		return nil, "", ErrNotCompleted
	}

	var key string
	switch fileType {
	case FileTypeMono:
		key = t.Result.MonoPath
	case FileTypeDual:
		key = t.Result.DualPath
	default:
		return nil, "", fmt.Errorf("%w: file type must be %q or %q", ErrInvalidSubmission, FileTypeMono, FileTypeDual)
	}
	if key == "" {
		return nil, "", file.ErrFileNotFound
	}

	r, err := s.storage.Load(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}

	return r, DownloadName(t.Filename, fileType), nil
}

// Delete removes an owner's task. Live streams of the task end, and its
// files are removed on a best-effort basis.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	t, err := s.OwnedTask(ctx, owner, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	s.dequeue(id)
	s.bus.Drop(id)

	keys := []string{t.FileRef}
	if t.Result != nil {
		keys = append(keys, t.Result.MonoPath, t.Result.DualPath)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.storage.Delete(ctx, key); err != nil && !errors.Is(err, file.ErrFileNotFound) {
			zlog.Logger.Warn().Err(err).Str("task_id", id).Str("key", key).Msg("failed to delete file")
		}
	}

	zlog.Logger.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// DownloadName builds "<stem>_<fileType>.pdf" from the original file name,
// dropping a leading upload id and replacing unsafe characters with '_'.
func DownloadName(filename, fileType string) string {
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	if len(stem) > 37 && stem[36] == '_' {
		if _, err := uuid.Parse(stem[:36]); err == nil {
			stem = stem[37:]
		}
	}

	stem = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, stem)
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "document"
	}

	return stem + "_" + fileType + ".pdf"
}

func uploadDir(owner string) string {
	return "uploads/" + owner
}

func validOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidSubmission)
	}
	if strings.ContainsAny(owner, `/\`) || owner == "." || owner == ".." {
		return fmt.Errorf("%w: invalid owner", ErrInvalidSubmission)
	}
	return nil
}

// cleanFilename keeps the base name of a client-supplied file name.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
