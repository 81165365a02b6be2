package extinstall

import (
	"net/http"
	"path/filepath"
	"strings"
)

// ServeRepo returns a handler for "/extrepo/*" that serves CRX and update.xml files
// out of repoDir. Any request path that would resolve outside repoDir after
// normalization is rejected with 404 rather than followed.
func ServeRepo(repoDir string) http.Handler {
	fs := http.FileServer(http.Dir(repoDir))
	cleanRepoDir := filepath.Clean(repoDir)

	return http.StripPrefix("/extrepo/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := filepath.Join(cleanRepoDir, filepath.Clean("/"+r.URL.Path))
		if requested != cleanRepoDir && !strings.HasPrefix(requested, cleanRepoDir+string(filepath.Separator)) {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	}))
}
