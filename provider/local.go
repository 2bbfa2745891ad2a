package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const (
	stagingDir = ".staging"
	metaDir    = ".meta"
)

// ensure interface is implemented
var _ BlockStore = (*LocalStore)(nil)

// LocalStore implements BlockStore on a local directory. Blocks are staged
// as files under .staging/<object>/ and concatenated on commit.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *LocalStore) objectPath(name string) string { return filepath.Join(s.root, name) }

func (s *LocalStore) blockPath(object, blockID string) string {
	return filepath.Join(s.root, stagingDir, object, blockID)
}

func (s *LocalStore) metaPath(name string) string { return filepath.Join(s.root, metaDir, name) }

func (s *LocalStore) EnsureContainer(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	for _, dir := range []string{s.root, filepath.Join(s.root, stagingDir), filepath.Join(s.root, metaDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *LocalStore) StageBlock(ctx context.Context, object, blockID string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := validName(object); err != nil {
		return err
	}
	if err := validName(blockID); err != nil {
		return err
	}

	path := s.blockPath(object, blockID)

	// A concurrent commit of the same object may remove the shared staging
	// directory between MkdirAll and CreateTemp.
	var (
		tmp *os.File
		err error
	)
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		// write-then-rename so a retried stage never leaves a torn block
		tmp, err = os.CreateTemp(filepath.Dir(path), blockID+".*.tmp")
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write block %s: %w", blockID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *LocalStore) Commit(ctx context.Context, object string, blockIDs []string, contentType string) error {
	if err := validName(object); err != nil {
		return err
	}

	for _, id := range blockIDs {
		if _, err := os.Stat(s.blockPath(object, id)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrBlockNotStaged, id)
			}
			return err
		}
	}

	final := s.objectPath(object)
	out, err := os.CreateTemp(s.root, "."+object+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())

	for _, id := range blockIDs {
		select {
		case <-ctx.Done():
			out.Close()
			return ctx.Err()
		default:
		}

		if err := appendFile(out, s.blockPath(object, id)); err != nil {
			out.Close()
			return fmt.Errorf("failed to append block %s: %w", id, err)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Rename(out.Name(), final); err != nil {
		return err
	}

	if contentType != "" {
		if err := os.MkdirAll(filepath.Join(s.root, metaDir), 0755); err == nil {
			_ = os.WriteFile(s.metaPath(object), []byte(contentType), 0644)
		}
	}

	return s.removeBlocks(object, blockIDs)
}

func (s *LocalStore) Discard(ctx context.Context, object string, blockIDs []string) error {
	if err := validName(object); err != nil {
		return err
	}
	return s.removeBlocks(object, blockIDs)
}

// removeBlocks deletes the given staged blocks, and the object's staging
// directory once no other job has blocks in it.
func (s *LocalStore) removeBlocks(object string, blockIDs []string) error {
	var errs []error
	for _, id := range blockIDs {
		if err := os.Remove(s.blockPath(object, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// fails while the directory is still in use
	_ = os.Remove(filepath.Join(s.root, stagingDir, object))
	return errors.Join(errs...)
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func (s *LocalStore) Stat(ctx context.Context, object string) (ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return ObjectInfo{}, ctx.Err()
	default:
	}

	if err := validName(object); err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(s.objectPath(object))
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, object)
	}
	if err != nil {
		return ObjectInfo{}, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(object))
	if b, err := os.ReadFile(s.metaPath(object)); err == nil && len(b) > 0 {
		contentType = string(b)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return ObjectInfo{
		Name:         object,
		Size:         info.Size(),
		ContentType:  contentType,
		LastModified: info.ModTime(),
	}, nil
}

func (s *LocalStore) ReadRange(ctx context.Context, object string, start, end int64) (io.ReadCloser, error) {
	info, err := s.Stat(ctx, object)
	if err != nil {
		return nil, err
	}
	if start < 0 || end < start || start >= info.Size {
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, start, end, info.Size)
	}
	if end >= info.Size {
		end = info.Size - 1
	}

	f, err := os.Open(s.objectPath(object))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &sectionReadCloser{Reader: io.LimitReader(f, end-start+1), f: f}, nil
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (r *sectionReadCloser) Close() error { return r.f.Close() }
