package gitsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPath(t *testing.T) {
	testCases := []struct {
		url      string
		expected string
		wantErr  bool
	}{
		{url: "https://github.com/alice/notes.git", expected: filepath.Join("repos", "github.com", "alice", "notes")},
		{url: "http://git.example.com/team/deck", expected: filepath.Join("repos", "git.example.com", "team", "deck")},
		{url: "git@github.com:alice/notes.git", expected: filepath.Join("repos", "github.com", "alice", "notes")},
		{url: "not a url", wantErr: true},
		{url: "https://example.com/../../../tmp/notes.git", wantErr: true},
		{url: "git@example.com:../../../tmp/notes.git", wantErr: true},
		{url: "git@..:x.git", wantErr: true},
		{url: "https://example.com/team/../deck.git", expected: filepath.Join("repos", "example.com", "deck")},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			got, err := LocalPath("repos", tc.url)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestIsGitURL(t *testing.T) {
	assert.True(t, IsGitURL("git@github.com:a/b.git"))
	assert.True(t, IsGitURL("https://github.com/a/b"))
	assert.False(t, IsGitURL("/home/alice/notes"))
	assert.False(t, IsGitURL("./notes"))
}

func TestSyncExistingDirectoryMustBeRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("Q: a\nA: b\n"), 0o644))

	err := Sync(context.Background(), "https://example.com/notes.git", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, git.ErrRepositoryNotExists)
}

func TestSyncOpensExistingRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	// A repository without an origin remote cannot be pulled.
	err = Sync(context.Background(), "https://example.com/notes.git", dir)
	assert.Error(t, err)
}
