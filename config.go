package sview

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

const (
	DefaultListen    = ":4664"
	DefaultPath      = "/ws"
	DefaultFrameRate = 30
)

// Config holds the broadcaster settings. Video names a VP8 IVF file to
// loop; when empty a synthetic pattern is sent instead.
type Config struct {
	Listen       string        `yaml:"listen"`
	Path         string        `yaml:"path"`
	ICEServers   []string      `yaml:"ice_servers"`
	Video        string        `yaml:"video"`
	FrameRate    int           `yaml:"frame_rate"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	PLIInterval  time.Duration `yaml:"pli_interval"`
}

func DefaultConfig() Config {
	return Config{
		Listen:       DefaultListen,
		Path:         DefaultPath,
		ICEServers:   append([]string(nil), DefaultICEServers...),
		FrameRate:    DefaultFrameRate,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
		PLIInterval:  DefaultPLIInterval,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (c Config, err error) {
	c = DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("sview: failed to read config: %w", err)
	}

	if err = yaml.Unmarshal(content, &c); err != nil {
		return c, fmt.Errorf("sview: failed to parse config %s: %w", path, err)
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is empty"))
	}
	switch {
	case len(c.Path) == 0 || c.Path[0] != '/':
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	case c.Path == "/":
		errs = append(errs, errors.New("path / is taken by the viewer page"))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame_rate %d must be positive", c.FrameRate))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		errs = append(errs, fmt.Errorf("pong_wait %s must exceed ping_interval %s", c.PongWait, c.PingInterval))
	}
	if c.PLIInterval <= 0 {
		errs = append(errs, fmt.Errorf("pli_interval %s must be positive", c.PLIInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sview: invalid config: %w", err)
	}
	return nil
}

func (c Config) WebRTCConfiguration() webrtc.Configuration {
	config := webrtc.Configuration{SDPSemantics: webrtc.SDPSemanticsUnifiedPlan}
	if len(c.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return config
}

func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}
