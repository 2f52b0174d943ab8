// Package config loads a node's runtime options from YAML, applying the
// same defaults spec.md's "Configurable options" table specifies.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the full set of knobs a running node accepts.
type Options struct {
	ID          uint64 `yaml:"id"`
	ListenAddr  string `yaml:"listen_addr"`
	DataDir     string `yaml:"data_dir"`
	JoinAddr    string `yaml:"join_addr,omitempty"`

	ElectionTick  int `yaml:"election_tick"`
	HeartbeatTick int `yaml:"heartbeat_tick"`

	LoopHeartbeat     time.Duration `yaml:"loop_heartbeat"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	MessageMaxRetries int           `yaml:"message_max_retries"`
	ProposalTimeout   time.Duration `yaml:"proposal_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
}

// Defaults returns the option set spec.md's configurable-options table
// specifies, before any YAML overrides are applied.
func Defaults() Options {
	return Options{
		ElectionTick:      10,
		HeartbeatTick:     3,
		LoopHeartbeat:     100 * time.Millisecond,
		MessageTimeout:    100 * time.Millisecond,
		MessageMaxRetries: 5,
		ProposalTimeout:   2 * time.Second,
		SnapshotInterval:  15 * time.Second,
	}
}

// Load reads YAML from path over a Defaults() baseline. A path of "" just
// returns the defaults.
func Load(path string) (Options, error) {
	opts := Defaults()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}
