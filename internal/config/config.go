// Package config gathers the runtime settings of the dropmesh CLI from
// defaults and DROPMESH_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

const (
	EnvSignalingURL  = "DROPMESH_SIGNALING_URL"
	EnvICEMode       = "DROPMESH_ICE_MODE"
	EnvAlias         = "DROPMESH_ALIAS"
	EnvForceLoopback = "DROPMESH_FORCE_LOOPBACK"
	EnvDisableMDNS   = "DROPMESH_DISABLE_MDNS"
)

const DefaultDeviceType = "desktop"

type Config struct {
	// SignalingURL is the relay endpoint. Empty means ws://localhost:9000/ws.
	SignalingURL  string
	ICEMode       signaling.ICEMode
	Alias         string
	DeviceModel   string
	DeviceType    string
	ForceLoopback bool
	// DisableMDNS gathers raw host addresses instead of .local names.
	DisableMDNS   bool
	AutoConnect   bool
	Transfer      transfer.Config
}

func Default() Config {
	alias, err := os.Hostname()
	if err != nil || alias == "" {
		alias = "dropmesh"
	}
	return Config{
		ICEMode:     signaling.ICEModeServer,
		Alias:       alias,
		DeviceModel: "dropmesh-cli",
		DeviceType:  DefaultDeviceType,
		AutoConnect: true,
		Transfer:    transfer.DefaultConfig(),
	}
}

// FromEnv returns Default overridden by any DROPMESH_* variables set.
func FromEnv() (Config, error) {
	cfg := Default()
	if v, ok := os.LookupEnv(EnvSignalingURL); ok {
		cfg.SignalingURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvICEMode); ok {
		mode, err := signaling.ParseICEMode(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvICEMode, err)
		}
		cfg.ICEMode = mode
	}
	if v, ok := os.LookupEnv(EnvAlias); ok && strings.TrimSpace(v) != "" {
		cfg.Alias = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvForceLoopback); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvForceLoopback, err)
		}
		cfg.ForceLoopback = b
	}
	if v, ok := os.LookupEnv(EnvDisableMDNS); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvDisableMDNS, err)
		}
		cfg.DisableMDNS = b
	}
	return cfg, nil
}

// Info is the identity announced to the relay.
func (c Config) Info() signaling.PeerInfo {
	return signaling.PeerInfo{
		Alias:       c.Alias,
		DeviceModel: c.DeviceModel,
		DeviceType:  c.DeviceType,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Alias) == "" {
		return errors.New("alias cannot be empty")
	}
	if _, err := signaling.ParseICEMode(string(c.ICEMode)); err != nil {
		return err
	}
	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}
