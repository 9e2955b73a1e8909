// Package config parses the controller's configuration surface (spec
// §6.4) from HCL, the way nomad/command/agent's config layer does: parse
// to a Config value, then Merge successive layers (file, environment,
// flags) together with later layers winning on any non-zero field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl"
)

// SelectType names the scheduler selector the core is configured to use
// (spec §6.4's select_type).
type SelectType string

const (
	SelectConsRes    SelectType = "cons_res"
	SelectSerial     SelectType = "serial"
	SelectTopology3D SelectType = "topology_3d"
)

// Config is the parsed controller configuration surface (spec §6.4,
// non-exhaustive by design: unrecognized keys are simply not decoded).
type Config struct {
	ClusterName       string `hcl:"cluster_name"`
	StateSaveLocation string `hcl:"state_save_location"`
	SlurmctldPort     int    `hcl:"slurmctld_port"`
	SlurmdPort        int    `hcl:"slurmd_port"`
	ControlMachine    string `hcl:"control_machine"`
	BackupMachine     string `hcl:"backup_machine"`
	NodeRecordPrefix  string `hcl:"node_record_prefix"`

	// FastSchedule: 0 trusts node-advertised specs, 1 uses config specs
	// for scheduling, 2 uses config specs and never drains on mismatch.
	FastSchedule int `hcl:"fast_schedule"`

	SelectType           SelectType `hcl:"select_type"`
	SelectTypeParameters []string   `hcl:"select_type_parameters"`

	SharingDefault string `hcl:"sharing_default"`
	PreemptMode    string `hcl:"preempt_mode"`

	// TrackWCKey controls whether the accounting rollup keys rows by
	// wckey in addition to association (spec §4.9/§6.4).
	TrackWCKey bool `hcl:"track_wckey"`

	// Durations are decoded as HCL strings (e.g. "5m") into the
	// *HCL-suffixed fields and parsed into their time.Duration
	// counterparts by finalize, mirroring
	// ServerJoin.RetryIntervalHCL in nomad/command/agent's config.
	MinJobAgeHCL string        `hcl:"min_job_age"`
	MinJobAge    time.Duration `hcl:"-"`

	MessageTimeoutHCL string        `hcl:"message_timeout"`
	MessageTimeout    time.Duration `hcl:"-"`

	MaxJobCount int `hcl:"max_job_count"`

	// Grid{X,Y,Z} give the 3D torus/mesh dimensions for select_type =
	// topology_3d (spec §4.6); zero in any axis leaves the topology
	// selector unconstructed.
	GridX int `hcl:"topology_dim_x"`
	GridY int `hcl:"topology_dim_y"`
	GridZ int `hcl:"topology_dim_z"`
}

// Default returns the baked-in defaults applied before any file,
// environment, or flag layer is merged in.
func Default() *Config {
	return &Config{
		ClusterName:       "cluster1",
		StateSaveLocation: "/var/spool/ctld/state",
		SlurmctldPort:     6817,
		SlurmdPort:        6818,
		SelectType:        SelectConsRes,
		SharingDefault:    "NO",
		PreemptMode:       "OFF",
		MinJobAgeHCL:      "300s",
		MinJobAge:         300 * time.Second,
		MessageTimeoutHCL: "10s",
		MessageTimeout:    10 * time.Second,
		MaxJobCount:       10000,
	}
}

// ParseConfigFile reads and parses path as an HCL config file.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig parses raw HCL text into a Config, filling in any duration
// fields left as their raw HCL string form.
func ParseConfig(raw string) (*Config, error) {
	var c Config
	if err := hcl.Decode(&c, raw); err != nil {
		return nil, fmt.Errorf("config: error parsing: %w", err)
	}
	if err := c.finalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// finalize parses the *HCL duration strings into their time.Duration
// counterparts, the way nomad/command/agent's config layer does for
// ServerJoin.RetryIntervalHCL.
func (c *Config) finalize() error {
	if c.MinJobAgeHCL != "" {
		d, err := time.ParseDuration(c.MinJobAgeHCL)
		if err != nil {
			return fmt.Errorf("config: invalid min_job_age %q: %w", c.MinJobAgeHCL, err)
		}
		c.MinJobAge = d
	}
	if c.MessageTimeoutHCL != "" {
		d, err := time.ParseDuration(c.MessageTimeoutHCL)
		if err != nil {
			return fmt.Errorf("config: invalid message_timeout %q: %w", c.MessageTimeoutHCL, err)
		}
		c.MessageTimeout = d
	}
	return nil
}

// Merge layers other on top of c: any field other sets to its non-zero
// value overrides c's, matching the precedence nomad's Config.Merge gives
// later config layers (file < environment < flags).
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}
	result := *c

	if other.ClusterName != "" {
		result.ClusterName = other.ClusterName
	}
	if other.StateSaveLocation != "" {
		result.StateSaveLocation = other.StateSaveLocation
	}
	if other.SlurmctldPort != 0 {
		result.SlurmctldPort = other.SlurmctldPort
	}
	if other.SlurmdPort != 0 {
		result.SlurmdPort = other.SlurmdPort
	}
	if other.ControlMachine != "" {
		result.ControlMachine = other.ControlMachine
	}
	if other.BackupMachine != "" {
		result.BackupMachine = other.BackupMachine
	}
	if other.NodeRecordPrefix != "" {
		result.NodeRecordPrefix = other.NodeRecordPrefix
	}
	if other.FastSchedule != 0 {
		result.FastSchedule = other.FastSchedule
	}
	if other.SelectType != "" {
		result.SelectType = other.SelectType
	}
	if len(other.SelectTypeParameters) > 0 {
		result.SelectTypeParameters = other.SelectTypeParameters
	}
	if other.SharingDefault != "" {
		result.SharingDefault = other.SharingDefault
	}
	if other.PreemptMode != "" {
		result.PreemptMode = other.PreemptMode
	}
	if other.TrackWCKey {
		result.TrackWCKey = other.TrackWCKey
	}
	if other.MinJobAge != 0 {
		result.MinJobAge = other.MinJobAge
		result.MinJobAgeHCL = other.MinJobAgeHCL
	}
	if other.MessageTimeout != 0 {
		result.MessageTimeout = other.MessageTimeout
		result.MessageTimeoutHCL = other.MessageTimeoutHCL
	}
	if other.MaxJobCount != 0 {
		result.MaxJobCount = other.MaxJobCount
	}
	if other.GridX != 0 {
		result.GridX = other.GridX
	}
	if other.GridY != 0 {
		result.GridY = other.GridY
	}
	if other.GridZ != 0 {
		result.GridZ = other.GridZ
	}
	return &result
}

// envPrefix is prepended to every recognized environment override.
const envPrefix = "CTLD_"

// ApplyEnv layers a handful of environment variable overrides on top of
// c, the way nomad's agent command layers CLI flags over file config
// before constructing the server — a small explicit set rather than a
// generic reflect-over-struct-tags walk, since §6.4's surface is small.
func (c *Config) ApplyEnv() *Config {
	env := &Config{}
	if v := os.Getenv(envPrefix + "CLUSTER_NAME"); v != "" {
		env.ClusterName = v
	}
	if v := os.Getenv(envPrefix + "STATE_SAVE_LOCATION"); v != "" {
		env.StateSaveLocation = v
	}
	if v := os.Getenv(envPrefix + "CONTROL_MACHINE"); v != "" {
		env.ControlMachine = v
	}
	if v := os.Getenv(envPrefix + "SLURMCTLD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			env.SlurmctldPort = n
		}
	}
	return c.Merge(env)
}
