package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func blockName(i int) string { return fmt.Sprintf("blk%010d", i) }

// stageAll cuts content into blocks of size and stages them in reverse order.
func stageAll(t *testing.T, s BlockStore, object string, content []byte, size int) []string {
	t.Helper()
	ctx := context.Background()

	var ids []string
	for off := 0; off < len(content); off += size {
		ids = append(ids, blockName(len(ids)))
	}
	for i := len(ids) - 1; i >= 0; i-- {
		end := min((i+1)*size, len(content))
		if err := s.StageBlock(ctx, object, ids[i], content[i*size:end]); err != nil {
			t.Fatalf("Failed to stage block %d: %v", i, err)
		}
	}
	return ids
}

// TestLocalStoreBlockTransfer stages, commits and reads back a complete object.
func TestLocalStoreBlockTransfer(t *testing.T) {
	dstDir := t.TempDir()

	testContent := bytes.Repeat([]byte("Hello, streamverse! "), 100)
	s := NewLocalStore(dstDir)
	ctx := context.Background()

	if err := s.EnsureContainer(ctx); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	ids := stageAll(t, s, "movie.mp4", testContent, 256)
	if err := s.Commit(ctx, "movie.mp4", ids, "video/mp4"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	info, err := s.Stat(ctx, "movie.mp4")
	if err != nil {
		t.Fatalf("Failed to stat committed object: %v", err)
	}
	if info.Size != int64(len(testContent)) {
		t.Errorf("Size mismatch: expected %d, got %d", len(testContent), info.Size)
	}
	if info.ContentType != "video/mp4" {
		t.Errorf("Expected content type video/mp4, got %s", info.ContentType)
	}

	dstData, err := os.ReadFile(filepath.Join(dstDir, "movie.mp4"))
	if err != nil {
		t.Fatalf("Failed to read destination: %v", err)
	}
	if !bytes.Equal(dstData, testContent) {
		t.Errorf("Content mismatch")
	}

	exists, err := Exists(ctx, s, "movie.mp4")
	if err != nil || !exists {
		t.Errorf("Expected committed object to exist, got %v, %v", exists, err)
	}
	exists, err = Exists(ctx, s, "other.mp4")
	if err != nil || exists {
		t.Errorf("Expected other.mp4 to be absent, got %v, %v", exists, err)
	}
}

// TestLocalStoreCommitCleansStaging checks that committed blocks leave no
// staging files behind.
func TestLocalStoreCommitCleansStaging(t *testing.T) {
	dstDir := t.TempDir()
	s := NewLocalStore(dstDir)
	ctx := context.Background()

	if err := s.EnsureContainer(ctx); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	testContent := []byte("staged then committed")
	ids := stageAll(t, s, "ep1.mp4", testContent, 4)

	if _, err := os.Stat(filepath.Join(dstDir, stagingDir, "ep1.mp4")); err != nil {
		t.Fatalf("Expected staging directory before commit: %v", err)
	}
	if err := s.Commit(ctx, "ep1.mp4", ids, "video/mp4"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, stagingDir, "ep1.mp4")); !os.IsNotExist(err) {
		t.Errorf("Expected staging directory removed after commit, got %v", err)
	}

	r, err := s.ReadRange(ctx, "ep1.mp4", 7, 10)
	if err != nil {
		t.Fatalf("Failed to read range: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(got) != "then" {
		t.Errorf("Expected %q, got %q", "then", got)
	}
}

// TestConcurrentObjects stages and commits several objects at once against
// the same store.
func TestConcurrentObjects(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := s.EnsureContainer(ctx); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	numFiles := 10
	done := make(chan error, numFiles)

	for i := 0; i < numFiles; i++ {
		go func(i int) {
			object := fmt.Sprintf("file%d.mp4", i)
			content := bytes.Repeat([]byte{byte('a' + i)}, 1000+i)

			var ids []string
			for off := 0; off < len(content); off += 128 {
				id := blockName(len(ids))
				end := min(off+128, len(content))
				if err := s.StageBlock(ctx, object, id, content[off:end]); err != nil {
					done <- err
					return
				}
				ids = append(ids, id)
			}
			done <- s.Commit(ctx, object, ids, "video/mp4")
		}(i)
	}

	for i := 0; i < numFiles; i++ {
		if err := <-done; err != nil {
			t.Errorf("Concurrent commit failed: %v", err)
		}
	}

	for i := 0; i < numFiles; i++ {
		info, err := s.Stat(ctx, fmt.Sprintf("file%d.mp4", i))
		if err != nil {
			t.Errorf("File %d not found: %v", i, err)
			continue
		}
		if info.Size != int64(1000+i) {
			t.Errorf("File %d size mismatch: expected %d, got %d", i, 1000+i, info.Size)
		}
	}
}

// TestLocalStoreCommitKeepsOtherBlocks commits one block list while another
// list for the same object is still staged, then discards the second.
func TestLocalStoreCommitKeepsOtherBlocks(t *testing.T) {
	dstDir := t.TempDir()
	s := NewLocalStore(dstDir)
	ctx := context.Background()

	if err := s.EnsureContainer(ctx); err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	if err := s.StageBlock(ctx, "same.mp4", "aaaa-"+blockName(0), []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := s.StageBlock(ctx, "same.mp4", "bbbb-"+blockName(0), []byte("second")); err != nil {
		t.Fatal(err)
	}

	if err := s.Commit(ctx, "same.mp4", []string{"aaaa-" + blockName(0)}, "video/mp4"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, stagingDir, "same.mp4", "bbbb-"+blockName(0))); err != nil {
		t.Fatalf("Expected the other staged block to survive the commit: %v", err)
	}

	if err := s.Discard(ctx, "same.mp4", []string{"bbbb-" + blockName(0), "bbbb-" + blockName(1)}); err != nil {
		t.Fatalf("Failed to discard: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, stagingDir, "same.mp4")); !os.IsNotExist(err) {
		t.Errorf("Expected staging directory removed after discard, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dstDir, "same.mp4"))
	if err != nil || string(data) != "first" {
		t.Errorf("Expected committed object %q, got %q, %v", "first", data, err)
	}
}
