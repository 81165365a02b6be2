package extinstall

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// chromePolicyReloadJS clicks chrome://policy's internal "Reload policies" button,
// the same hook a human administrator uses to force Chrome to re-read the managed
// policy directory without restarting the browser.
const chromePolicyReloadJS = `(() => {
  const btn = document.querySelector('policy-test-page, body')?.shadowRoot
    ?.querySelector('#reload-policies') ?? document.querySelector('#reload-policies');
  if (btn) { btn.click(); return true; }
  return false;
})()`

// induceInstall attempts to get extID installed without requiring a full restart: it
// reloads chrome://policy and polls the profile extensions directory briefly. If the
// extension still hasn't appeared, it restarts the browser (via inst.restart) and waits
// again with a shorter deadline. It never returns an error: per the installer's failure
// semantics, a timed-out install is reported as installed=false, not a pipeline failure.
func (inst *Installer) induceInstall(ctx context.Context, extID string) bool {
	if inst.extensionInstalled(extID) {
		return true
	}

	wsURL := inst.upstreamMgr.Current()
	if wsURL != "" {
		if client, err := dialCDP(ctx, wsURL); err == nil {
			_ = client.navigateAndEval(ctx, "chrome://policy", chromePolicyReloadJS)
			client.Close()
		} else if inst.log != nil {
			inst.log.Warn("induce-install: devtools dial failed", "err", err)
		}
	}

	if inst.pollInstalled(ctx, extID, inst.cfg.InstallPollTimeout, inst.cfg.InstallPollInterval) {
		return true
	}

	if inst.restart == nil {
		return false
	}
	if err := inst.restart(ctx); err != nil {
		if inst.log != nil {
			inst.log.Warn("induce-install: restart failed", "err", err)
		}
		return false
	}

	readyCtx, cancel := context.WithTimeout(ctx, inst.cfg.DevToolsReadyTimeout)
	defer cancel()
	inst.waitForDevTools(readyCtx)

	return inst.pollInstalled(ctx, extID, inst.cfg.RestartPollTimeout, inst.cfg.InstallPollInterval)
}

// waitForDevTools blocks until the upstream manager reports a fresh DevTools URL or ctx
// is done, whichever comes first.
func (inst *Installer) waitForDevTools(ctx context.Context) {
	updates, cancel := inst.upstreamMgr.Subscribe()
	defer cancel()
	select {
	case <-updates:
	case <-ctx.Done():
	}
}

// pollInstalled polls ProfileExtensionsDir for extID up to timeout, bounded by
// retry-go rather than a hand-rolled ticker loop.
func (inst *Installer) pollInstalled(ctx context.Context, extID string, timeout, interval time.Duration) bool {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := uint(timeout/interval) + 1
	err := retry.Do(
		func() error {
			if inst.extensionInstalled(extID) {
				return nil
			}
			return errExtensionNotYetInstalled
		},
		retry.Context(pollCtx),
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
	)
	return err == nil
}

var errExtensionNotYetInstalled = extensionNotInstalledError{}

type extensionNotInstalledError struct{}

func (extensionNotInstalledError) Error() string { return "extension not yet installed" }
