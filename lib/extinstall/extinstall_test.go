package extinstall

import (
	"encoding/xml"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(body), 0o644))
}

func TestValidateManifest_OK(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"manifest_version":3,"version":"1.2.3","name":"test"}`)

	m, err := validateManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", m.Version)
}

func TestValidateManifest_RejectsV2(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"manifest_version":2,"version":"1.0","name":"test"}`)

	_, err := validateManifest(dir)
	assert.Error(t, err)
}

func TestValidateManifest_RejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"manifest_version":3,"version":"not-a-version","name":"test"}`)

	_, err := validateManifest(dir)
	assert.Error(t, err)
}

func TestValidateManifest_AcceptsUpToFourComponents(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"manifest_version":3,"version":"1.2.3.4","name":"test"}`)

	m, err := validateManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", m.Version)
}

func TestDeriveGitHubKeyID_StableAcrossCaseAndDotGit(t *testing.T) {
	a := deriveGitHubKeyID("https://github.com/Acme/Widgets.git")
	b := deriveGitHubKeyID("https://github.com/acme/widgets")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^gh_[0-9a-f]{16}$`, a)
}

func TestDeriveUploadKeyID_StableAcrossCase(t *testing.T) {
	a := deriveUploadKeyID("MyManifest.json")
	b := deriveUploadKeyID("mymanifest.json")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^up_[0-9a-f]{16}$`, a)
}

func TestLoadOrCreateKey_PersistsAndReuses(t *testing.T) {
	dir := t.TempDir()

	key1, err := loadOrCreateKey(dir, "gh_1234567890abcdef")
	require.NoError(t, err)

	info, err := os.Stat(keyStorePEMPath(dir, "gh_1234567890abcdef"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key2, err := loadOrCreateKey(dir, "gh_1234567890abcdef")
	require.NoError(t, err)
	assert.Equal(t, key1.N, key2.N, "second call must reuse the persisted key, not generate a new one")
}

func TestPublish_WritesUpdateXMLWithCorrectAppID(t *testing.T) {
	repoDir := t.TempDir()
	crxSrc := filepath.Join(t.TempDir(), "source.crx")
	require.NoError(t, os.WriteFile(crxSrc, []byte("fake-crx-bytes"), 0o644))

	const extID = "abcdefghijklmnopabcdefghijklmnop"
	crxPath, updateXMLPath, updateURL, err := publish(repoDir, "http://127.0.0.1:10001/extrepo", extID, crxSrc, "1.0.0")
	require.NoError(t, err)

	assert.FileExists(t, crxPath)
	assert.Equal(t, "http://127.0.0.1:10001/extrepo/"+extID+"/update.xml", updateURL)

	data, err := os.ReadFile(updateXMLPath)
	require.NoError(t, err)

	var doc gupdateResponse
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Equal(t, extID, doc.App.AppID)
	assert.Equal(t, "1.0.0", doc.App.UpdateCheck.Version)
	assert.Contains(t, doc.App.UpdateCheck.Codebase, extID+".crx")
}

func TestServeRepo_RejectsPathEscape(t *testing.T) {
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "inside.txt"), []byte("ok"), 0o644))

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))

	handler := ServeRepo(repoDir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/extrepo/inside.txt", nil)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/extrepo/../"+filepath.Base(outside)+"/secret.txt", nil)
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, 200, rec.Code)
}
