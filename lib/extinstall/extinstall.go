// Package extinstall implements the enterprise extension installation pipeline: given
// a GitHub repository URL or an uploaded archive, it produces a signed CRX, exposes it
// and an update manifest over a local HTTP route, and installs an enterprise
// managed-policy force-list entry so the browser installs and retains the extension
// across restarts.
package extinstall

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/onkernel/kernel-images/server/lib/devtoolsproxy"
	"github.com/onkernel/kernel-images/server/lib/policy"
)

// Config holds the filesystem layout and timing parameters for the installer. Every
// field has a sensible production default; tests override them to point at temp dirs.
type Config struct {
	// ChromiumBinaryPath is the browser executable invoked with --pack-extension.
	ChromiumBinaryPath string
	// ChromiumUser is the unprivileged user the packer subprocess runs as.
	ChromiumUser string
	// RepoDir is where packed CRX/update.xml pairs are published, one subdirectory
	// per extension id.
	RepoDir string
	// PublicBaseURL is the externally-reachable base the update manifest's codebase
	// URL is built from, e.g. "http://127.0.0.1:10001/extrepo".
	PublicBaseURL string
	// PolicyDir is the managed policy directory force_<id>.json files are written to.
	PolicyDir string
	// KeyStoreDir holds the persisted per-source RSA signing keys.
	KeyStoreDir string
	// ProfileExtensionsDir is the browser profile directory polled for the installed
	// extension id during induce-install.
	ProfileExtensionsDir string

	// InstallPollTimeout bounds the first (reload-only) wait for the extension to
	// appear under ProfileExtensionsDir.
	InstallPollTimeout time.Duration
	// InstallPollInterval is the spacing between polls of ProfileExtensionsDir.
	InstallPollInterval time.Duration
	// RestartPollTimeout bounds the second, shorter wait after a full browser restart.
	RestartPollTimeout time.Duration
	// DevToolsReadyTimeout bounds how long induce-install waits for DevTools to come
	// back up after a restart.
	DevToolsReadyTimeout time.Duration
}

// DefaultConfig returns production defaults matching the container image layout.
func DefaultConfig() Config {
	return Config{
		ChromiumBinaryPath:   "/usr/bin/chromium",
		ChromiumUser:         "kernel",
		RepoDir:              "/home/kernel/extrepo",
		PublicBaseURL:        "http://127.0.0.1:10001/extrepo",
		PolicyDir:            "/etc/chromium/policies/managed",
		KeyStoreDir:          "/home/kernel/.extkeys",
		ProfileExtensionsDir: "/home/kernel/.config/chromium/Default/Extensions",
		InstallPollTimeout:   20 * time.Second,
		InstallPollInterval:  200 * time.Millisecond,
		RestartPollTimeout:   5 * time.Second,
		DevToolsReadyTimeout: 15 * time.Second,
	}
}

// Artifact is the result of a successful install, matching the report shape the
// control plane's add-extension endpoint returns to the caller.
type Artifact struct {
	ID                   string `json:"id"`
	Version              string `json:"version"`
	CRXPath              string `json:"crxPath"`
	UpdateManifestPath   string `json:"updateManifestPath"`
	UpdateURL            string `json:"updateUrl"`
	PolicyPath           string `json:"policyPath"`
	Installed            bool   `json:"installed"`
	ProfileExtensionsDir string `json:"profileExtensionsDir"`
}

// Installer runs the end-to-end pipeline. It holds no per-request state; one Installer
// serves every install request concurrently (distinct extension ids touch distinct
// files throughout).
type Installer struct {
	cfg         Config
	upstreamMgr *devtoolsproxy.UpstreamManager
	restart     func(ctx context.Context) error
	log         *slog.Logger
}

// New builds an Installer. restart is called to trigger a full Chromium restart (e.g.
// via supervisorctl); it must return once the restart command has been issued, not once
// DevTools is ready — InstallFromGitHub/InstallFromUpload wait for readiness themselves.
func New(cfg Config, upstreamMgr *devtoolsproxy.UpstreamManager, restart func(ctx context.Context) error, log *slog.Logger) *Installer {
	return &Installer{cfg: cfg, upstreamMgr: upstreamMgr, restart: restart, log: log}
}

// InstallFromGitHub runs the pipeline for a GitHub repository URL, trying branch, then
// main, then master, then HEAD until one resolves to a fetchable zip.
func (inst *Installer) InstallFromGitHub(ctx context.Context, repoURL, branch string) (*Artifact, error) {
	root, cleanup, keyID, err := acquireFromGitHub(ctx, repoURL, branch)
	if err != nil {
		return nil, fmt.Errorf("acquire source: %w", err)
	}
	defer cleanup()
	return inst.install(ctx, root, keyID)
}

// InstallFromUpload runs the pipeline for an uploaded zip archive already saved at
// zipPath (the caller owns and is responsible for removing zipPath itself).
func (inst *Installer) InstallFromUpload(ctx context.Context, zipPath, manifestName string) (*Artifact, error) {
	root, cleanup, err := acquireFromUpload(zipPath)
	if err != nil {
		return nil, fmt.Errorf("acquire source: %w", err)
	}
	defer cleanup()
	return inst.install(ctx, root, deriveUploadKeyID(manifestName))
}

func (inst *Installer) install(ctx context.Context, extRoot, keyID string) (*Artifact, error) {
	manifest, err := validateManifest(extRoot)
	if err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	key, err := loadOrCreateKey(inst.cfg.KeyStoreDir, keyID)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	crxPath, err := packExtension(ctx, inst.cfg.ChromiumBinaryPath, inst.cfg.ChromiumUser, extRoot, keyStorePEMPath(inst.cfg.KeyStoreDir, keyID))
	if err != nil {
		return nil, fmt.Errorf("pack extension: %w", err)
	}

	spkiDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	extID := policy.DeriveExtensionID(spkiDER)

	pubCRXPath, updateXMLPath, updateURL, err := publish(inst.cfg.RepoDir, inst.cfg.PublicBaseURL, extID, crxPath, manifest.Version)
	if err != nil {
		return nil, fmt.Errorf("publish artifacts: %w", err)
	}

	policyPath, err := policy.WriteForcelistFile(inst.cfg.PolicyDir, extID, updateURL)
	if err != nil {
		return nil, fmt.Errorf("install managed policy: %w", err)
	}

	installed := inst.induceInstall(ctx, extID)

	return &Artifact{
		ID:                   extID,
		Version:              manifest.Version,
		CRXPath:              pubCRXPath,
		UpdateManifestPath:   updateXMLPath,
		UpdateURL:            updateURL,
		PolicyPath:           policyPath,
		Installed:            installed,
		ProfileExtensionsDir: inst.cfg.ProfileExtensionsDir,
	}, nil
}

// extensionInstalled reports whether extID appears as a subdirectory of
// ProfileExtensionsDir.
func (inst *Installer) extensionInstalled(extID string) bool {
	entries, err := os.ReadDir(inst.cfg.ProfileExtensionsDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() == extID {
			return true
		}
	}
	return false
}

// mustUnprivilegedCommand wraps name/args with "runuser -u <user> --" when ChromiumUser
// is set, mirroring the chown-to-kernel-user convention the rest of the pipeline uses to
// keep browser-owned files out of root's hands.
func mustUnprivilegedCommand(ctx context.Context, user, name string, args ...string) *exec.Cmd {
	if user == "" {
		return exec.CommandContext(ctx, name, args...)
	}
	fullArgs := append([]string{"-u", user, "--", name}, args...)
	return exec.CommandContext(ctx, "runuser", fullArgs...)
}

func keyStorePEMPath(keyStoreDir, keyID string) string {
	return filepath.Join(keyStoreDir, keyID+".pem")
}
