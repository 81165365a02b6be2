package extinstall

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type gupdateResponse struct {
	XMLName  xml.Name   `xml:"gupdate"`
	Xmlns    string     `xml:"xmlns,attr"`
	Protocol string     `xml:"protocol,attr"`
	App      gupdateApp `xml:"app"`
}

type gupdateApp struct {
	AppID       string             `xml:"appid,attr"`
	UpdateCheck gupdateUpdateCheck `xml:"updatecheck"`
}

type gupdateUpdateCheck struct {
	Codebase string `xml:"codebase,attr"`
	Version  string `xml:"version,attr"`
}

// publish copies crxPath to <repoDir>/<extID>/<extID>.crx and writes update.xml next to
// it, returning the published CRX path, the update.xml path, and the update URL Chrome
// will poll.
func publish(repoDir, publicBaseURL, extID, crxPath, version string) (publishedCRXPath, updateXMLPath, updateURL string, err error) {
	destDir := filepath.Join(repoDir, extID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", "", fmt.Errorf("create repo dir: %w", err)
	}

	publishedCRXPath = filepath.Join(destDir, extID+".crx")
	if err := copyFile(crxPath, publishedCRXPath); err != nil {
		return "", "", "", fmt.Errorf("copy crx: %w", err)
	}

	crxURL := fmt.Sprintf("%s/%s/%s.crx", publicBaseURL, extID, extID)
	updateURL = fmt.Sprintf("%s/%s/update.xml", publicBaseURL, extID)

	doc := gupdateResponse{
		Xmlns:    "http://www.google.com/update2/response",
		Protocol: "2.0",
		App: gupdateApp{
			AppID: extID,
			UpdateCheck: gupdateUpdateCheck{
				Codebase: crxURL,
				Version:  version,
			},
		},
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", "", fmt.Errorf("marshal update.xml: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	updateXMLPath = filepath.Join(destDir, "update.xml")
	if err := os.WriteFile(updateXMLPath, data, 0o644); err != nil {
		return "", "", "", fmt.Errorf("write update.xml: %w", err)
	}

	return publishedCRXPath, updateXMLPath, updateURL, nil
}

func copyFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = io.Copy(dest, src)
	return err
}
