// Package gitsource mirrors remote git repositories of study notes locally.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Sync clones url into localPath if it doesn't exist there yet,
// or pulls the latest changes if it does.
func Sync(ctx context.Context, url, localPath string) error {
	_, err := os.Stat(localPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("Cloning repository", "url", url, "path", localPath)
		_, err := git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{URL: url})
		if err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", url, err)
		}
	case err == nil:
		slog.Info("Pulling latest changes", "path", localPath)
		repo, err := git.PlainOpen(localPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
		}

		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
		}

		err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
		}
	default:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	}
	return nil
}

// IsGitURL reports whether path looks like a remote repository rather than a local directory.
func IsGitURL(path string) bool {
	return strings.HasSuffix(path, ".git") ||
		strings.HasPrefix(path, "git@") ||
		strings.HasPrefix(path, "https://") ||
		strings.HasPrefix(path, "http://")
}

// LocalPath maps a repository URL to a directory below baseDir, e.g.
// https://github.com/a/b.git and git@github.com:a/b.git both map to baseDir/github.com/a/b.
// URLs whose path would escape baseDir are rejected.
func LocalPath(baseDir, repoURL string) (string, error) {
	var host, repoPath string
	parsed, err := url.Parse(repoURL)
	if err == nil && (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != "" {
		host, repoPath = parsed.Host, parsed.Path
	} else if userHost, p, ok := strings.Cut(repoURL, ":"); ok {
		// scp-like syntax: user@host:path
		if _, h, ok := strings.Cut(userHost, "@"); ok && h != "" && p != "" {
			host, repoPath = h, p
		}
	}
	if host == "" {
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	local := filepath.Join(baseDir, host, strings.TrimSuffix(repoPath, ".git"))
	rel, err := filepath.Rel(baseDir, local)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("git URL %s resolves outside %s", repoURL, baseDir)
	}
	return local, nil
}
