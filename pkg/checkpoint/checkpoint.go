// Package checkpoint snapshots the assessment workspace after each completed
// agent so a later rollback can restore the exact file state an agent left
// behind. Snapshots are content-addressed git commits in a repository living
// inside the workspace itself.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// Provider captures and restores workspace snapshots.
type Provider interface {
	// Snapshot records the current workspace state and returns its content
	// hash. Snapshotting an unchanged workspace returns the existing hash.
	Snapshot(agent, message string) (string, error)
	// Rollback restores the workspace to a previously returned hash.
	Rollback(hash string) error
}

// identity signs checkpoint commits. Checkpoints are machine artifacts, not
// authored work, so the identity is fixed.
func identity() *object.Signature {
	return &object.Signature{
		Name:  "osprey",
		Email: "osprey@localhost",
		When:  time.Now(),
	}
}

// GitProvider implements Provider on a git repository at the workspace root.
type GitProvider struct {
	repo     *git.Repository
	worktree *git.Worktree
	logger   *slog.Logger
}

// NewGitProvider opens the workspace repository, initializing one on first
// use.
func NewGitProvider(workspace string) (*GitProvider, error) {
	repo, err := git.PlainOpen(workspace)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(workspace, false)
	}
	if err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("open checkpoint repository in %s: %w", workspace, err))
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("access checkpoint worktree: %w", err))
	}

	return &GitProvider{
		repo:     repo,
		worktree: worktree,
		logger:   slog.Default(),
	}, nil
}

// Snapshot stages the whole workspace and commits it. An unchanged workspace
// yields the current HEAD hash instead of an empty commit, so re-running a
// no-op agent does not grow the history.
func (p *GitProvider) Snapshot(agent, message string) (string, error) {
	if err := p.worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", oserr.Filesystem(fmt.Errorf("stage workspace for checkpoint: %w", err))
	}

	msg := fmt.Sprintf("checkpoint: %s", agent)
	if message != "" {
		msg = fmt.Sprintf("checkpoint: %s - %s", agent, message)
	}

	hash, err := p.commitOrHead(msg)
	if err != nil {
		return "", err
	}

	p.logger.Info("Workspace checkpoint recorded",
		"agent", agent, "hash", hash.String()[:8])
	return hash.String(), nil
}

// commitOrHead commits the staged state. When the commit would be empty the
// current HEAD hash is returned instead; a brand-new repository with nothing
// to commit gets one allowed-empty root commit so every run has an anchor.
func (p *GitProvider) commitOrHead(msg string) (plumbing.Hash, error) {
	hash, err := p.worktree.Commit(msg, &git.CommitOptions{Author: identity()})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := p.repo.Head()
		if headErr == nil {
			return head.Hash(), nil
		}
		if errors.Is(headErr, plumbing.ErrReferenceNotFound) {
			hash, err = p.worktree.Commit(msg, &git.CommitOptions{
				Author:            identity(),
				AllowEmptyCommits: true,
			})
			if err != nil {
				return plumbing.ZeroHash, oserr.Filesystem(fmt.Errorf("create root checkpoint: %w", err))
			}
			return hash, nil
		}
		return plumbing.ZeroHash, oserr.Filesystem(fmt.Errorf("resolve HEAD for checkpoint: %w", headErr))
	}
	if err != nil {
		return plumbing.ZeroHash, oserr.Filesystem(fmt.Errorf("commit checkpoint: %w", err))
	}
	return hash, nil
}

// Rollback hard-resets the workspace to a snapshot hash. Everything the
// later agents wrote is discarded.
func (p *GitProvider) Rollback(hash string) error {
	if !plumbing.IsHash(hash) {
		return oserr.Validation("invalid checkpoint hash %q", hash)
	}
	target := plumbing.NewHash(hash)

	if _, err := p.repo.CommitObject(target); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return oserr.Validation("checkpoint %s not found in workspace history", hash[:8])
		}
		return oserr.Filesystem(fmt.Errorf("resolve checkpoint %s: %w", hash[:8], err))
	}

	if err := p.worktree.Reset(&git.ResetOptions{
		Commit: target,
		Mode:   git.HardReset,
	}); err != nil {
		return oserr.Filesystem(fmt.Errorf("roll back to checkpoint %s: %w", hash[:8], err))
	}

	p.logger.Info("Workspace rolled back", "hash", hash[:8])
	return nil
}

// Head returns the hash of the latest snapshot, or "" when none exists yet.
func (p *GitProvider) Head() string {
	head, err := p.repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
