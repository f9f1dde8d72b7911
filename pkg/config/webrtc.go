package config

import (
	"fmt"
	"strings"
	"time"
)

type CallerConfig struct {
	Caller Caller
	Webrtc Webrtc
}

type Caller struct {
	Debug bool
	// Server is the websocket address of the room coordinator.
	Server        string        `default:"ws://localhost:8000/ws"`
	Mode          string        `default:"all"`
	DialTimeout   time.Duration `default:"10s"`
	DataLabel     string        `default:"peerlink-data"`
	StatsInterval time.Duration `default:"1s"`
	Capture       struct {
		Audio      bool
		Video      bool
		AudioCodec string `default:"opus"`
		VideoCodec string `default:"vp8"`
	}
}

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap string
	// SinglePort makes all the calls share one UDP port.
	SinglePort int
	LogLevel   int
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasIceIpMap() bool  { return w.IceIpMap != "" }
func (w *Webrtc) HasSinglePort() bool { return w.SinglePort > 0 }

// Validate checks that relay servers have credentials.
func (w *Webrtc) Validate() error {
	for _, s := range w.IceServers {
		if s.Urls == "" {
			return fmt.Errorf("config: ice server without urls")
		}
		if s.IsTurn() && (s.Username == "" || s.Credential == "") {
			return fmt.Errorf("config: %v needs username and credential", s.Urls)
		}
	}
	if w.HasPortRange() && w.IcePorts.Min > w.IcePorts.Max {
		return fmt.Errorf("config: bad ice port range %v-%v", w.IcePorts.Min, w.IcePorts.Max)
	}
	return nil
}

func (s IceServer) IsTurn() bool {
	return strings.HasPrefix(s.Urls, "turn:") || strings.HasPrefix(s.Urls, "turns:")
}

func NewCallerConfig(path string) (conf CallerConfig, err error) {
	if err = LoadConfig(&conf, path); err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}
	return conf, conf.Webrtc.Validate()
}
