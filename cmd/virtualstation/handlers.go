package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/onkernel/kernel-images/server/lib/extinstall"
	"github.com/onkernel/kernel-images/server/lib/logger"
	"github.com/onkernel/kernel-images/server/lib/virtualinputs"
)

// handlers groups the hand-routed control-plane endpoints this entrypoint exposes beyond
// the DevTools proxy, which is wired directly in main.
type handlers struct {
	log       *slog.Logger
	installer *extinstall.Installer
	inputs    *virtualinputs.Manager
	webrtc    *virtualinputs.WebRTCIngestor

	webrtcMu        sync.Mutex
	webrtcVideoSink *os.File
}

// syncWebRTCIngest (re)configures the WebRTC ingestor to match the manager's current
// ingest endpoints, opening or closing the video FIFO sink as webrtc sources come and go.
func (h *handlers) syncWebRTCIngest(status virtualinputs.Status) {
	h.webrtcMu.Lock()
	defer h.webrtcMu.Unlock()

	if h.webrtcVideoSink != nil {
		_ = h.webrtcVideoSink.Close()
		h.webrtcVideoSink = nil
	}

	ingest := status.Ingest
	videoIsWebRTC := ingest != nil && ingest.Video != nil && ingest.Video.Protocol == string(virtualinputs.SourceTypeWebRTC)
	audioIsWebRTC := ingest != nil && ingest.Audio != nil && ingest.Audio.Protocol == string(virtualinputs.SourceTypeWebRTC)
	if !videoIsWebRTC && !audioIsWebRTC {
		h.webrtc.Clear()
		return
	}

	var videoPath, videoFormat, audioPath, audioFormat string
	var videoSink *os.File
	if videoIsWebRTC {
		videoPath, videoFormat = ingest.Video.Path, ingest.Video.Format
		sink, err := virtualinputs.OpenPipeWriter(videoPath, virtualinputs.DefaultPipeOpenTimeout)
		if err != nil {
			h.log.Warn("failed to open webrtc video sink", "err", err, "path", videoPath)
		} else {
			videoSink = sink
		}
	}
	if audioIsWebRTC {
		audioPath, audioFormat = ingest.Audio.Path, ingest.Audio.Format
	}

	h.webrtc.Configure(videoPath, videoFormat, audioPath, audioFormat, virtualinputs.AudioDestinationMicrophone)
	// Pass a genuinely nil io.Writer on open failure; wrapping a nil *os.File in the
	// interface would make the ingestor's nil check pass and then panic on Write.
	var sink io.Writer
	if videoSink != nil {
		sink = videoSink
	}
	h.webrtc.SetSinks(sink, nil)
	h.webrtcVideoSink = videoSink
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// addUnpackedExtension accepts either a multipart upload (field "archive_file", optional
// "manifest_name") or a JSON body {"github_url": "...", "branch": "..."}.
func (h *handlers) addUnpackedExtension(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		file, hdr, err := r.FormFile("archive_file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "archive_file is required")
			return
		}
		defer file.Close()

		tmp, err := os.CreateTemp("", "ext-upload-*.zip")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, file); err != nil {
			tmp.Close()
			writeError(w, http.StatusInternalServerError, "failed to read upload")
			return
		}
		if err := tmp.Close(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		manifestName := r.FormValue("manifest_name")
		if manifestName == "" {
			manifestName = hdr.Filename
		}
		artifact, err := h.installer.InstallFromUpload(ctx, tmp.Name(), manifestName)
		if err != nil {
			logger.FromContext(ctx).Error("install from upload failed", "err", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, artifact)
		return
	}

	var body struct {
		GitHubURL string `json:"github_url"`
		Branch    string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GitHubURL == "" {
		writeError(w, http.StatusBadRequest, "github_url is required")
		return
	}

	artifact, err := h.installer.InstallFromGitHub(ctx, body.GitHubURL, body.Branch)
	if err != nil {
		logger.FromContext(ctx).Error("install from github failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

type virtualInputSourceDTO struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

type virtualInputsConfigureRequest struct {
	Video       *virtualInputSourceDTO `json:"video,omitempty"`
	Audio       *virtualInputSourceDTO `json:"audio,omitempty"`
	Width       int                    `json:"width,omitempty"`
	Height      int                    `json:"height,omitempty"`
	FrameRate   int                    `json:"frameRate,omitempty"`
	StartPaused bool                   `json:"startPaused,omitempty"`
}

func toMediaSource(dto *virtualInputSourceDTO) *virtualinputs.MediaSource {
	if dto == nil {
		return nil
	}
	return &virtualinputs.MediaSource{
		Type:   virtualinputs.SourceType(dto.Type),
		URL:    dto.URL,
		Format: dto.Format,
	}
}

func (h *handlers) virtualInputsConfigure(w http.ResponseWriter, r *http.Request) {
	var req virtualInputsConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.inputs.Configure(r.Context(), virtualinputs.Config{
		Video:     toMediaSource(req.Video),
		Audio:     toMediaSource(req.Audio),
		Width:     req.Width,
		Height:    req.Height,
		FrameRate: req.FrameRate,
	}, req.StartPaused)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.syncWebRTCIngest(status)
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) virtualInputsPause(w http.ResponseWriter, r *http.Request) {
	status, err := h.inputs.Pause(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Paused pipelines substitute lavfi sources and drop the ingest FIFOs' readers, so any
	// webrtc ingest must tear down until Resume re-establishes them.
	h.syncWebRTCIngest(virtualinputs.Status{})
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) virtualInputsResume(w http.ResponseWriter, r *http.Request) {
	status, err := h.inputs.Resume(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.syncWebRTCIngest(status)
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) virtualInputsStop(w http.ResponseWriter, r *http.Request) {
	status, err := h.inputs.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.syncWebRTCIngest(status)
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) virtualInputsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.inputs.Status(r.Context()))
}

func (h *handlers) virtualInputsWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read offer body")
		return
	}

	answer, err := h.webrtc.HandleOffer(r.Context(), string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(answer))
}
