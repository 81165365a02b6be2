package extinstall

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// packExtension invokes the Chromium binary's built-in CRX packer as chromiumUser,
// signing with the PEM key at keyPEMPath. Chromium never re-signs with a fresh key here
// because it always receives --pack-extension-key: the packed CRX's extension id is
// therefore fully determined by the reused key, not by anything Chromium generates.
// It returns the path to the produced .crx file, which Chromium places alongside
// extRoot (extRoot with a ".crx" suffix).
func packExtension(ctx context.Context, chromiumBin, chromiumUser, extRoot, keyPEMPath string) (string, error) {
	crxPath := strings.TrimSuffix(extRoot, "/") + ".crx"

	cmd := mustUnprivilegedCommand(ctx, chromiumUser, chromiumBin,
		fmt.Sprintf("--pack-extension=%s", extRoot),
		fmt.Sprintf("--pack-extension-key=%s", keyPEMPath),
		"--no-sandbox",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pack-extension failed: %w: %s", err, string(out))
	}

	if _, statErr := os.Stat(crxPath); statErr != nil {
		return "", fmt.Errorf("packer did not produce expected output %s: %w", crxPath, statErr)
	}
	return crxPath, nil
}
