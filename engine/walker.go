package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/deepansarkar03/streamverse/source"
)

// Walker traverses a local directory iteratively and pushes one
// TransferJob per video file to a channel.
// It avoids deep recursion to prevent stack overflows on very deep directory structures.
type Walker struct {
	// Root is the directory FS is rooted at; job sources are Root-relative
	// file paths.
	Root    string
	FS      fs.FS
	JobChan JobChannel
}

// NewWalker creates a new iterative directory walker over root.
func NewWalker(root string, jobChan JobChannel) *Walker {
	return &Walker{
		Root:    root,
		FS:      os.DirFS(root),
		JobChan: jobChan,
	}
}

// Walk pushes a job for every video file below the root and returns how
// many were queued. Hidden entries are skipped.
func (w *Walker) Walk(ctx context.Context) (int, error) {
	stack := []string{"."}
	queued := 0

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return queued, ctx.Err()
		default:
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := fs.ReadDir(w.FS, dir)
		if err != nil {
			return queued, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			rel := path.Join(dir, entry.Name())

			if entry.IsDir() {
				stack = append(stack, rel)
				continue
			}
			if !entry.Type().IsRegular() || !source.IsVideoFile(entry.Name()) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				return queued, fmt.Errorf("failed to stat %s: %w", rel, err)
			}

			name := source.Sanitize(strings.ReplaceAll(rel, "/", "_"))
			job := TransferJob{
				Source: &source.FileSource{
					Path: filepath.Join(w.Root, filepath.FromSlash(rel)),
					Size: info.Size(),
				},
				DestinationName: name,
				ContentType:     source.ContentTypeForName(name),
				ServiceLabel:    "Local file",
			}

			select {
			case <-ctx.Done():
				return queued, ctx.Err()
			case w.JobChan <- job:
				queued++
			}
		}
	}

	return queued, nil
}
