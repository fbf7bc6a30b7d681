package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
)

const SaveFileName = "save.snap.zst"

// FileStore keeps one player's save at Path.
type FileStore struct {
	Path string

	// OnWrite runs after every successful write (e.g. to enqueue an off-site copy).
	OnWrite func(path string)
}

func NewFileStore(playerDir string) *FileStore {
	return &FileStore{Path: filepath.Join(playerDir, SaveFileName)}
}

// LoadSave returns (nil, nil) when no save exists yet.
func (s *FileStore) LoadSave(ctx context.Context) (*SaveV1, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	save, err := ReadSave(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &save, nil
}

func (s *FileStore) WriteSave(ctx context.Context, save SaveV1) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := WriteSave(s.Path, save); err != nil {
		return err
	}
	if s.OnWrite != nil {
		s.OnWrite(s.Path)
	}
	return nil
}
