package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the server
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10001"`

	// Recording configuration
	FrameRate   int    `envconfig:"FRAME_RATE" default:"10"`
	DisplayNum  int    `envconfig:"DISPLAY_NUM" default:"1"`
	MaxSizeInMB int    `envconfig:"MAX_SIZE_MB" default:"500"`
	OutputDir   string `envconfig:"OUTPUT_DIR" default:"."`

	// Absolute or relative path to the ffmpeg binary. Defaults to "ffmpeg", resolved on $PATH; an empty value is rejected.
	PathToFFmpeg string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// RTMP/RTMPS internal server configuration
	RTMPListenAddr  string `envconfig:"RTMP_LISTEN_ADDR" default:":1935"`
	RTMPSListenAddr string `envconfig:"RTMPS_LISTEN_ADDR" default:":1936"`
	RTMPSCertPath   string `envconfig:"RTMPS_CERT_PATH" default:""`
	RTMPSKeyPath    string `envconfig:"RTMPS_KEY_PATH" default:""`

	// Virtual input defaults
	VirtualVideoDevice      string `envconfig:"VIRTUAL_INPUT_VIDEO_DEVICE" default:"/dev/video20"`
	VirtualAudioSink        string `envconfig:"VIRTUAL_INPUT_AUDIO_SINK" default:"audio_input"`
	VirtualMicrophoneSource string `envconfig:"VIRTUAL_INPUT_MICROPHONE_SOURCE" default:"microphone"`
	VirtualInputWidth       int    `envconfig:"VIRTUAL_INPUT_WIDTH" default:"1280"`
	VirtualInputHeight      int    `envconfig:"VIRTUAL_INPUT_HEIGHT" default:"720"`
	VirtualInputFrameRate   int    `envconfig:"VIRTUAL_INPUT_FRAME_RATE" default:"30"`

	// DevTools proxy configuration
	LogCDPMessages   bool   `envconfig:"LOG_CDP_MESSAGES" default:"false"`
	CDPAdvertiseHost string `envconfig:"CDP_ADVERTISE_HOST" default:""`

	// fspipe transport configuration. Mode selects which Transport backend the FUSE
	// producer dials: "tcp", "ws", or "s3".
	FSPipeMode           string `envconfig:"FSPIPE_MODE" default:"tcp"`
	FSPipeAddr           string `envconfig:"FSPIPE_ADDR" default:"127.0.0.1:9321"`
	FSPipeMountpoint     string `envconfig:"FSPIPE_MOUNTPOINT" default:"/mnt/fspipe"`
	FSPipeCompressWrites bool   `envconfig:"FSPIPE_COMPRESS_WRITES" default:"false"`
	FSPipeS3Endpoint     string `envconfig:"FSPIPE_S3_ENDPOINT" default:""`
	FSPipeS3Bucket       string `envconfig:"FSPIPE_S3_BUCKET" default:""`
	FSPipeS3Region       string `envconfig:"FSPIPE_S3_REGION" default:"us-east-1"`
	FSPipeS3Prefix       string `envconfig:"FSPIPE_S3_PREFIX" default:""`
	FSPipeS3AccessKeyID  string `envconfig:"FSPIPE_S3_ACCESS_KEY_ID" default:""`
	FSPipeS3SecretKey    string `envconfig:"FSPIPE_S3_SECRET_ACCESS_KEY" default:""`

	// Enterprise extension installer configuration
	ChromiumBinaryPath      string `envconfig:"CHROMIUM_BINARY_PATH" default:"/usr/bin/chromium"`
	ChromiumUser            string `envconfig:"CHROMIUM_USER" default:"kernel"`
	ExtensionRepoDir        string `envconfig:"EXTENSION_REPO_DIR" default:"/home/kernel/extrepo"`
	ExtensionRepoPublicURL  string `envconfig:"EXTENSION_REPO_PUBLIC_URL" default:"http://127.0.0.1:10001/extrepo"`
	ExtensionPolicyDir      string `envconfig:"EXTENSION_POLICY_DIR" default:"/etc/chromium/policies/managed"`
	ExtensionKeyStoreDir    string `envconfig:"EXTENSION_KEYSTORE_DIR" default:"/home/kernel/.extkeys"`
	ExtensionProfileExtDir  string `envconfig:"EXTENSION_PROFILE_EXTENSIONS_DIR" default:"/home/kernel/.config/chromium/Default/Extensions"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	if config.DisplayNum < 0 {
		return fmt.Errorf("DISPLAY_NUM must not be negative")
	}
	if config.FrameRate < 0 || config.FrameRate > 20 {
		return fmt.Errorf("FRAME_RATE must be between 0 and 20")
	}
	if config.MaxSizeInMB < 0 || config.MaxSizeInMB > 1000 {
		return fmt.Errorf("MAX_SIZE_MB must be between 0 and 1000")
	}
	if config.PathToFFmpeg == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if config.RTMPListenAddr == "" {
		return fmt.Errorf("RTMP_LISTEN_ADDR is required")
	}
	if (config.RTMPSCertPath == "") != (config.RTMPSKeyPath == "") {
		return fmt.Errorf("RTMPS_CERT_PATH and RTMPS_KEY_PATH must both be set or both be empty")
	}
	if config.VirtualVideoDevice == "" {
		return fmt.Errorf("VIRTUAL_INPUT_VIDEO_DEVICE is required")
	}
	if config.VirtualAudioSink == "" {
		return fmt.Errorf("VIRTUAL_INPUT_AUDIO_SINK is required")
	}
	if config.VirtualMicrophoneSource == "" {
		return fmt.Errorf("VIRTUAL_INPUT_MICROPHONE_SOURCE is required")
	}
	if config.VirtualInputWidth <= 0 || config.VirtualInputHeight <= 0 {
		return fmt.Errorf("VIRTUAL_INPUT_WIDTH and VIRTUAL_INPUT_HEIGHT must be greater than 0")
	}
	if config.VirtualInputFrameRate <= 0 || config.VirtualInputFrameRate > 60 {
		return fmt.Errorf("VIRTUAL_INPUT_FRAME_RATE must be between 1 and 60")
	}
	switch config.FSPipeMode {
	case "tcp", "ws", "s3":
	default:
		return fmt.Errorf("FSPIPE_MODE must be one of tcp, ws, s3")
	}
	if config.FSPipeMode == "s3" {
		if config.FSPipeS3Endpoint == "" || config.FSPipeS3Bucket == "" {
			return fmt.Errorf("FSPIPE_S3_ENDPOINT and FSPIPE_S3_BUCKET are required when FSPIPE_MODE=s3")
		}
	}
	if config.ChromiumBinaryPath == "" {
		return fmt.Errorf("CHROMIUM_BINARY_PATH is required")
	}
	if config.ExtensionRepoDir == "" || config.ExtensionPolicyDir == "" || config.ExtensionKeyStoreDir == "" {
		return fmt.Errorf("EXTENSION_REPO_DIR, EXTENSION_POLICY_DIR, and EXTENSION_KEYSTORE_DIR are required")
	}

	return nil
}
