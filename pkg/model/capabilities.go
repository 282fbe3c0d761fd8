package model

// Capabilities is the static description a worker reports on /capabilities.
type Capabilities struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform,omitempty"`
	CPUModel string `json:"cpu_model,omitempty"`
	CPUCores int    `json:"cpu_cores"`
	MemoryMB uint64 `json:"memory_mb"`

	Runner          string   `json:"runner"` // "exec" or "docker"
	FFmpegInstalled bool     `json:"ffmpeg_installed"`
	FFmpegVersion   string   `json:"ffmpeg_version,omitempty"`
	Encoders        []string `json:"encoders"`

	NVENC        bool `json:"nvenc_supported"`
	QSV          bool `json:"qsv_supported"`
	VAAPI        bool `json:"vaapi_supported"`
	VideoToolbox bool `json:"videotoolbox_supported"`
	AMF          bool `json:"amf_supported"`
}

// HardwareAccelerated reports whether any hardware encoder family is present.
func (c Capabilities) HardwareAccelerated() bool {
	return c.NVENC || c.QSV || c.VAAPI || c.VideoToolbox || c.AMF
}
