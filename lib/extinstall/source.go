package extinstall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/onkernel/kernel-images/server/lib/ziputil"
	"github.com/samber/lo"
)

var githubURLPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/?#]+)`)

// acquireFromGitHub resolves repoURL to a codeload zip, trying branch (if given), then
// main, then master, then HEAD, and extracts it into a fresh temp directory. It returns
// the extension root (the directory containing manifest.json), a cleanup func removing
// the temp directory, and the deterministic key id for this source.
func acquireFromGitHub(ctx context.Context, repoURL, branch string) (root string, cleanup func(), keyID string, err error) {
	owner, repo, err := parseGitHubURL(repoURL)
	if err != nil {
		return "", nil, "", err
	}

	// lo.Uniq preserves first-seen order, so an explicit branch still gets tried before
	// the main/master fallbacks even when it happens to equal one of them.
	candidates := lo.Uniq(append([]string{branch}, "main", "master"))
	candidates = lo.Filter(candidates, func(b string, _ int) bool { return b != "" })

	workDir, err := os.MkdirTemp("", "extinstall-gh-*")
	if err != nil {
		return "", nil, "", fmt.Errorf("create work dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(workDir) }

	zipPath := filepath.Join(workDir, "source.zip")
	var lastErr error
	fetched := false
	for _, ref := range candidates {
		u := fmt.Sprintf("https://codeload.github.com/%s/%s/zip/refs/heads/%s", owner, repo, ref)
		if err := downloadZip(ctx, u, zipPath); err != nil {
			lastErr = err
			continue
		}
		fetched = true
		break
	}
	if !fetched {
		// HEAD is codeload's alias for the repository's default branch.
		u := fmt.Sprintf("https://codeload.github.com/%s/%s/zip/HEAD", owner, repo)
		if err := downloadZip(ctx, u, zipPath); err != nil {
			cleanup()
			return "", nil, "", fmt.Errorf("no resolvable ref (tried %v, HEAD): %w", candidates, lastErr)
		}
	}

	extractDir := filepath.Join(workDir, "extracted")
	if err := ziputil.Unzip(zipPath, extractDir); err != nil {
		cleanup()
		return "", nil, "", fmt.Errorf("unzip source: %w", err)
	}

	extRoot, err := ziputil.ExtensionRoot(extractDir)
	if err != nil {
		cleanup()
		return "", nil, "", err
	}

	return extRoot, cleanup, deriveGitHubKeyID(repoURL), nil
}

// acquireFromUpload extracts an already-saved upload zip into a fresh temp directory.
func acquireFromUpload(zipPath string) (root string, cleanup func(), err error) {
	workDir, err := os.MkdirTemp("", "extinstall-up-*")
	if err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(workDir) }

	if err := ziputil.Unzip(zipPath, workDir); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("unzip upload: %w", err)
	}

	extRoot, err := ziputil.ExtensionRoot(workDir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return extRoot, cleanup, nil
}

func parseGitHubURL(repoURL string) (owner, repo string, err error) {
	if _, parseErr := url.Parse(repoURL); parseErr != nil {
		return "", "", fmt.Errorf("invalid github url: %w", parseErr)
	}
	m := githubURLPattern.FindStringSubmatch(repoURL)
	if m == nil {
		return "", "", fmt.Errorf("not a github.com repository url: %s", repoURL)
	}
	return m[1], strings.TrimSuffix(m[2], ".git"), nil
}

func downloadZip(ctx context.Context, u, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, u)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	return nil
}

// deriveGitHubKeyID computes "gh_" + first 16 hex chars of SHA-256 of the lowercased
// URL with any trailing ".git" stripped.
func deriveGitHubKeyID(repoURL string) string {
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(repoURL)), ".git")
	sum := sha256.Sum256([]byte(normalized))
	return "gh_" + hex.EncodeToString(sum[:])[:16]
}

// deriveUploadKeyID computes "up_" + first 16 hex chars of SHA-256 of the lowercased
// manifest/archive name.
func deriveUploadKeyID(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	sum := sha256.Sum256([]byte(normalized))
	return "up_" + hex.EncodeToString(sum[:])[:16]
}
