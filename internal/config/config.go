// Package config loads the runtime settings shared by the coordinator and
// worker processes. Precedence: defaults, then a JSON file, then TC_*
// environment variables; command-line flags are applied last by each cmd.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads "10s" style strings from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	// Plain numbers are seconds.
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config holds every externally supplied setting.
type Config struct {
	// Network
	ControlPort   int      `json:"control_port"`
	DataPort      int      `json:"data_port"` // kept for config compatibility; no listener binds it
	DiscoveryPort int      `json:"discovery_port"`
	WorkerPort    int      `json:"worker_port"`
	Peers         []string `json:"peers,omitempty"` // unicast discovery targets for networks that drop broadcast

	// Discovery
	DiscoveryInterval Duration `json:"discovery_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	LivenessTimeout   Duration `json:"liveness_timeout"` // 0 derives 3x heartbeat
	ForgetAfter       Duration `json:"forget_after"`     // stale nodes are dropped after this much more silence; 0 keeps them
	ScanInterval      Duration `json:"scan_interval"`    // HTTP ping sweep of the local /24; 0 disables
	ScanFrom          string   `json:"scan_from,omitempty"`

	// Dispatch
	MaxRetries       int      `json:"max_retries"`
	NodeFailureLimit int      `json:"node_failure_limit"`
	PollInterval     Duration `json:"poll_interval"`
	PollFailureLimit int      `json:"poll_failure_limit"`
	SubmitTimeout    Duration `json:"submit_timeout"`
	StatusTimeout    Duration `json:"status_timeout"`
	RetryDelay       Duration `json:"retry_delay"`

	// Worker
	WorkDir          string   `json:"work_dir"`
	FFmpegPath       string   `json:"ffmpeg_path"`
	Runner           string   `json:"runner"` // exec | docker
	DockerImage      string   `json:"docker_image"`
	IdleResetTimeout Duration `json:"idle_reset_timeout"`

	// Persistence
	Store         string   `json:"store"` // memory | etcd | redis
	EtcdEndpoints []string `json:"etcd_endpoints,omitempty"`
	RedisAddr     string   `json:"redis_addr,omitempty"`
	RedisPassword string   `json:"redis_password,omitempty"`
	RedisDB       int      `json:"redis_db,omitempty"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // console | json
	LogFile   string `json:"log_file,omitempty"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ControlPort:       55555,
		DataPort:          55556,
		DiscoveryPort:     55557,
		WorkerPort:        9000,
		DiscoveryInterval: Duration(10 * time.Second),
		HeartbeatInterval: Duration(10 * time.Second),
		ForgetAfter:       Duration(5 * time.Minute),
		MaxRetries:        2,
		NodeFailureLimit:  3,
		PollInterval:      Duration(500 * time.Millisecond),
		PollFailureLimit:  10,
		SubmitTimeout:     Duration(time.Hour),
		StatusTimeout:     Duration(2 * time.Second),
		RetryDelay:        Duration(time.Second),
		WorkDir:           ".",
		FFmpegPath:        "ffmpeg",
		Runner:            "exec",
		DockerImage:       "linuxserver/ffmpeg:latest",
		IdleResetTimeout:  Duration(60 * time.Second),
		Store:             "memory",
		EtcdEndpoints:     []string{"localhost:2379"},
		RedisAddr:         "localhost:6379",
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load applies the JSON file at path (if non-empty and present) and the
// environment on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Liveness returns the effective node liveness timeout.
func (c Config) Liveness() time.Duration {
	if c.LivenessTimeout > 0 {
		return c.LivenessTimeout.Std()
	}
	return 3 * c.HeartbeatInterval.Std()
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{
		"control_port":   c.ControlPort,
		"data_port":      c.DataPort,
		"discovery_port": c.DiscoveryPort,
		"worker_port":    c.WorkerPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.HeartbeatInterval <= 0 || c.DiscoveryInterval <= 0 || c.PollInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if c.ScanInterval < 0 {
		errs = append(errs, errors.New("scan_interval must be >= 0"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.NodeFailureLimit < 1 || c.PollFailureLimit < 1 {
		errs = append(errs, errors.New("failure limits must be >= 1"))
	}
	switch c.Runner {
	case "exec", "docker":
	default:
		errs = append(errs, fmt.Errorf("unknown runner %q", c.Runner))
	}
	switch c.Store {
	case "memory", "etcd", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	return errors.Join(errs...)
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			v = strings.TrimSpace(v)
			d, err := time.ParseDuration(v)
			if err != nil {
				// The original tool took whole seconds.
				n, nerr := strconv.Atoi(v)
				if nerr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					return
				}
				d = time.Duration(n) * time.Second
			}
			*dst = Duration(d)
		}
	}
	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	setInt("TC_CONTROL_PORT", &c.ControlPort)
	setInt("TC_DATA_PORT", &c.DataPort)
	setInt("TC_DISCOVERY_PORT", &c.DiscoveryPort)
	setInt("TC_WORKER_PORT", &c.WorkerPort)
	setList("TC_PEERS", &c.Peers)
	setDur("TC_DISCOVERY_INTERVAL", &c.DiscoveryInterval)
	setDur("TC_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	setDur("TC_LIVENESS_TIMEOUT", &c.LivenessTimeout)
	setDur("TC_FORGET_AFTER", &c.ForgetAfter)
	setDur("TC_SCAN_INTERVAL", &c.ScanInterval)
	setStr("TC_SCAN_FROM", &c.ScanFrom)
	setInt("TC_MAX_RETRIES", &c.MaxRetries)
	setInt("TC_NODE_FAILURE_LIMIT", &c.NodeFailureLimit)
	setDur("TC_POLL_INTERVAL", &c.PollInterval)
	setInt("TC_POLL_FAILURE_LIMIT", &c.PollFailureLimit)
	setDur("TC_SUBMIT_TIMEOUT", &c.SubmitTimeout)
	setDur("TC_STATUS_TIMEOUT", &c.StatusTimeout)
	setDur("TC_RETRY_DELAY", &c.RetryDelay)
	setStr("TC_WORK_DIR", &c.WorkDir)
	setStr("TC_FFMPEG_PATH", &c.FFmpegPath)
	setStr("TC_RUNNER", &c.Runner)
	setStr("TC_DOCKER_IMAGE", &c.DockerImage)
	setDur("TC_IDLE_RESET_TIMEOUT", &c.IdleResetTimeout)
	setStr("TC_STORE", &c.Store)
	setList("TC_ETCD_ENDPOINTS", &c.EtcdEndpoints)
	setStr("TC_REDIS_ADDR", &c.RedisAddr)
	setStr("TC_REDIS_PASSWORD", &c.RedisPassword)
	setInt("TC_REDIS_DB", &c.RedisDB)
	setStr("TC_LOG_LEVEL", &c.LogLevel)
	setStr("TC_LOG_FORMAT", &c.LogFormat)
	setStr("TC_LOG_FILE", &c.LogFile)

	return errors.Join(errs...)
}
