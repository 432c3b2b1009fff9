// Package forge defines the code-forge ports consumed by the
// reconciliation engine and refresh queue, plus a GitHub REST adapter.
package forge

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested repository or file does
// not exist on the forge. The reconciliation engine maps a missing
// index document to its index_missing error code by checking for this
// sentinel.
var ErrNotFound = errors.New("forge: not found")

// RepoInfo is the repository metadata the sync engine needs.
type RepoInfo struct {
	FullName      string
	DefaultBranch string
	HeadSHA       string // head commit of the default branch
}

// IndexFile is a file fetched from the forge together with its blob
// SHA. The SHA is the storage hash of the content, which makes the
// engine's changed/unchanged comparison a single string compare.
type IndexFile struct {
	Content []byte
	SHA     string
}

// ContentClient fetches repository content from the code-forge.
type ContentClient interface {
	GetRepo(ctx context.Context, token, fullName string) (*RepoInfo, error)
	GetFile(ctx context.Context, token, fullName, path, ref string) (*IndexFile, error)
}

// TokenSource resolves an installation access token for a forge app
// installation.
type TokenSource interface {
	InstallationToken(ctx context.Context, installID int64) (string, error)
}

// StaticTokenSource returns the same token for every installation.
// Used with personal access tokens; app-based token minting is an
// external collaborator behind the TokenSource port.
type StaticTokenSource string

func (s StaticTokenSource) InstallationToken(ctx context.Context, installID int64) (string, error) {
	if s == "" {
		return "", errors.New("forge: no token configured")
	}
	return string(s), nil
}
