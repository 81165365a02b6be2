package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// baseDefaults returns a Config populated with every field's default value so each test
// case only needs to override what it actually varies.
func baseDefaults() Config {
	return Config{
		Port:                    10001,
		FrameRate:               10,
		DisplayNum:              1,
		MaxSizeInMB:             500,
		OutputDir:               ".",
		PathToFFmpeg:            "ffmpeg",
		RTMPListenAddr:          ":1935",
		RTMPSListenAddr:         ":1936",
		RTMPSCertPath:           "",
		RTMPSKeyPath:            "",
		VirtualVideoDevice:      "/dev/video20",
		VirtualAudioSink:        "audio_input",
		VirtualMicrophoneSource: "microphone",
		VirtualInputWidth:       1280,
		VirtualInputHeight:      720,
		VirtualInputFrameRate:   30,
		FSPipeMode:              "tcp",
		FSPipeAddr:              "127.0.0.1:9321",
		FSPipeMountpoint:        "/mnt/fspipe",
		FSPipeS3Region:          "us-east-1",
		ChromiumBinaryPath:      "/usr/bin/chromium",
		ChromiumUser:            "kernel",
		ExtensionRepoDir:        "/home/kernel/extrepo",
		ExtensionRepoPublicURL:  "http://127.0.0.1:10001/extrepo",
		ExtensionPolicyDir:      "/etc/chromium/policies/managed",
		ExtensionKeyStoreDir:    "/home/kernel/.extkeys",
		ExtensionProfileExtDir:  "/home/kernel/.config/chromium/Default/Extensions",
	}
}

func TestLoad(t *testing.T) {
	defaultsWanted := baseDefaults()

	customValid := baseDefaults()
	customValid.Port = 12345
	customValid.FrameRate = 20
	customValid.DisplayNum = 2
	customValid.MaxSizeInMB = 250
	customValid.OutputDir = "/tmp"
	customValid.PathToFFmpeg = "/usr/local/bin/ffmpeg"
	customValid.RTMPListenAddr = "0.0.0.0:1935"
	customValid.RTMPSListenAddr = "0.0.0.0:1936"
	customValid.RTMPSCertPath = "/cert.pem"
	customValid.RTMPSKeyPath = "/key.pem"

	customVirtualInput := baseDefaults()
	customVirtualInput.VirtualVideoDevice = "/dev/video42"
	customVirtualInput.VirtualAudioSink = "custom_sink"
	customVirtualInput.VirtualMicrophoneSource = "custom_mic"
	customVirtualInput.VirtualInputWidth = 800
	customVirtualInput.VirtualInputHeight = 600
	customVirtualInput.VirtualInputFrameRate = 25

	customFSPipe := baseDefaults()
	customFSPipe.FSPipeMode = "s3"
	customFSPipe.FSPipeS3Endpoint = "http://minio:9000"
	customFSPipe.FSPipeS3Bucket = "fspipe"

	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name:    "defaults (no env set)",
			env:     map[string]string{},
			wantCfg: &defaultsWanted,
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":              "12345",
				"FRAME_RATE":        "20",
				"DISPLAY_NUM":       "2",
				"MAX_SIZE_MB":       "250",
				"OUTPUT_DIR":        "/tmp",
				"FFMPEG_PATH":       "/usr/local/bin/ffmpeg",
				"RTMP_LISTEN_ADDR":  "0.0.0.0:1935",
				"RTMPS_LISTEN_ADDR": "0.0.0.0:1936",
				"RTMPS_CERT_PATH":   "/cert.pem",
				"RTMPS_KEY_PATH":    "/key.pem",
			},
			wantCfg: &customValid,
		},
		{
			name: "custom virtual input env",
			env: map[string]string{
				"VIRTUAL_INPUT_VIDEO_DEVICE":      "/dev/video42",
				"VIRTUAL_INPUT_AUDIO_SINK":        "custom_sink",
				"VIRTUAL_INPUT_MICROPHONE_SOURCE": "custom_mic",
				"VIRTUAL_INPUT_WIDTH":             "800",
				"VIRTUAL_INPUT_HEIGHT":            "600",
				"VIRTUAL_INPUT_FRAME_RATE":        "25",
			},
			wantCfg: &customVirtualInput,
		},
		{
			name: "custom fspipe s3 env",
			env: map[string]string{
				"FSPIPE_MODE":        "s3",
				"FSPIPE_S3_ENDPOINT": "http://minio:9000",
				"FSPIPE_S3_BUCKET":   "fspipe",
			},
			wantCfg: &customFSPipe,
		},
		{
			name: "negative display num",
			env: map[string]string{
				"DISPLAY_NUM": "-1",
			},
			wantErr: true,
		},
		{
			name: "frame rate too high",
			env: map[string]string{
				"FRAME_RATE": "1201",
			},
			wantErr: true,
		},
		{
			name: "max size too big",
			env: map[string]string{
				"MAX_SIZE_MB": "10001",
			},
			wantErr: true,
		},
		{
			name: "missing ffmpeg path (set to empty)",
			env: map[string]string{
				"FFMPEG_PATH": "",
			},
			wantErr: true,
		},
		{
			name: "missing output dir (set to empty)",
			env: map[string]string{
				"OUTPUT_DIR": "",
			},
			wantErr: true,
		},
		{
			name: "rtmp listen required",
			env: map[string]string{
				"RTMP_LISTEN_ADDR": "",
			},
			wantErr: true,
		},
		{
			name: "rtmps cert and key must both be set",
			env: map[string]string{
				"RTMPS_CERT_PATH": "/cert",
			},
			wantErr: true,
		},
		{
			name: "invalid fspipe mode",
			env: map[string]string{
				"FSPIPE_MODE": "carrier-pigeon",
			},
			wantErr: true,
		},
		{
			name: "fspipe s3 mode requires endpoint and bucket",
			env: map[string]string{
				"FSPIPE_MODE": "s3",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}
