// Package presets holds named encode configurations. A preset only produces
// an argument list; the worker treats that list as opaque.
package presets

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Preset describes one encode configuration.
type Preset struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Codec        string `json:"codec"` // "" drops the video stream
	Resolution   string `json:"resolution,omitempty"`
	CRF          int    `json:"crf,omitempty"`
	Bitrate      string `json:"bitrate,omitempty"`
	Speed        string `json:"speed,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
}

// Args renders the preset as encoder arguments.
func (p Preset) Args() []string {
	var args []string
	if p.Codec == "" {
		args = append(args, "-vn")
	} else {
		args = append(args, "-c:v", p.Codec)
		if p.Resolution != "" {
			args = append(args, "-vf", "scale="+p.Resolution)
		}
		switch {
		case p.CRF > 0:
			args = append(args, "-crf", strconv.Itoa(p.CRF))
		case p.Bitrate != "":
			args = append(args, "-b:v", p.Bitrate)
		}
		if p.Speed != "" {
			args = append(args, "-preset", p.Speed)
		}
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	return args
}

// HardwareEncoder reports whether the preset needs an accelerated encoder.
func (p Preset) HardwareEncoder() bool {
	for _, suffix := range []string{"_nvenc", "_qsv", "_vaapi", "_videotoolbox", "_amf"} {
		if strings.HasSuffix(p.Codec, suffix) {
			return true
		}
	}
	return false
}

var catalog = map[string]Preset{
	"1080p_h264_high": {
		Name: "1080p H.264 high", Description: "1920x1080 H.264, high quality, broad compatibility",
		Codec: "libx264", Resolution: "1920:1080", CRF: 18, Speed: "slow", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"1080p_h264_standard": {
		Name: "1080p H.264 standard", Description: "1920x1080 H.264, balanced quality and size",
		Codec: "libx264", Resolution: "1920:1080", CRF: 23, Speed: "medium", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"720p_h264": {
		Name: "720p H.264", Description: "1280x720 H.264 for network delivery",
		Codec: "libx264", Resolution: "1280:720", CRF: 23, Speed: "medium", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"480p_h264": {
		Name: "480p H.264", Description: "854x480 H.264, small and fast",
		Codec: "libx264", Resolution: "854:480", CRF: 28, Speed: "fast", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"1080p_h265_high": {
		Name: "1080p H.265 high", Description: "1920x1080 H.265, high compression",
		Codec: "libx265", Resolution: "1920:1080", CRF: 20, Speed: "slow", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"1080p_h265_standard": {
		Name: "1080p H.265 standard", Description: "1920x1080 H.265, space saving",
		Codec: "libx265", Resolution: "1920:1080", CRF: 28, Speed: "medium", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"4k_h265": {
		Name: "4K H.265", Description: "3840x2160 H.265, ultra HD",
		Codec: "libx265", Resolution: "3840:2160", CRF: 24, Speed: "medium", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"1080p_nvenc": {
		Name: "1080p NVENC", Description: "1920x1080 NVIDIA hardware H.264",
		Codec: "h264_nvenc", Resolution: "1920:1080", Bitrate: "8M", Speed: "p4", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"1080p_hevc_nvenc": {
		Name: "1080p HEVC NVENC", Description: "1920x1080 NVIDIA hardware HEVC",
		Codec: "hevc_nvenc", Resolution: "1920:1080", Bitrate: "5M", Speed: "p4", AudioCodec: "aac", AudioBitrate: "128k",
	},
	"audio_mp3": {
		Name: "MP3 audio", Description: "extract the audio track as MP3",
		AudioCodec: "libmp3lame", AudioBitrate: "320k",
	},
	"audio_aac": {
		Name: "AAC audio", Description: "extract the audio track as AAC",
		AudioCodec: "aac", AudioBitrate: "256k",
	},
}

// Get looks a preset up by key.
func Get(key string) (Preset, error) {
	p, ok := catalog[key]
	if !ok {
		return Preset{}, fmt.Errorf("preset %q not found, available: %s", key, strings.Join(List(), ", "))
	}
	return p, nil
}

// List returns the preset keys in sorted order.
func List() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Descriptions maps each key to its description.
func Descriptions() map[string]string {
	out := make(map[string]string, len(catalog))
	for k, p := range catalog {
		out[k] = p.Description
	}
	return out
}

// DefaultArgs are used when a task names neither a preset nor arguments.
var DefaultArgs = []string{"-c:v", "libx265", "-crf", "28"}

// Resolve picks the encode arguments for a task: a named preset wins over
// explicit args, and DefaultArgs fill in when both are empty.
func Resolve(preset string, args []string) ([]string, error) {
	if preset != "" {
		p, err := Get(preset)
		if err != nil {
			return nil, err
		}
		return p.Args(), nil
	}
	if len(args) > 0 {
		return slices.Clone(args), nil
	}
	return slices.Clone(DefaultArgs), nil
}
