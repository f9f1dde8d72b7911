package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

type CoordinatorConfig struct {
	Coordinator Coordinator
}

type Coordinator struct {
	Debug      bool
	Monitoring Monitoring
	// Origin limits websocket connections to the origin, empty allows all.
	Origin string
	Room   Room
	Server Server
}

// Room policies.
//
// Capacity caps the number of members in a room, 0 means no limit.
// RolePolicy decides what happens with the initiator role when the initiator
// leaves a room that still has members:
//
//	promote - the earliest remaining member becomes the initiator;
//	keep - nobody is promoted, the roles stay as they were.
type Room struct {
	Capacity   int
	RolePolicy string `default:"promote"`
}

const (
	RolePromote = "promote"
	RoleKeep    = "keep"
)

const confPathFlag = "c-conf"

// NewCoordinatorConfig loads the config file (a custom path comes with the c-conf flag)
// and applies the command-line overrides on top of it.
func NewCoordinatorConfig(args []string) (conf CoordinatorConfig, err error) {
	var path string
	pre := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&path, confPathFlag, "", "")
	_ = pre.Parse(args)

	if err = LoadConfig(&conf, path); err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}

	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	conf.AddFlags(fs)
	fs.StringVar(&path, confPathFlag, path, "Set custom configuration file path")
	if err = fs.Parse(args); err != nil {
		return conf, err
	}
	return conf, conf.Validate()
}

func (c *CoordinatorConfig) AddFlags(fs *pflag.FlagSet) *CoordinatorConfig {
	c.Coordinator.Server.WithFlags(fs)
	fs.BoolVar(&c.Coordinator.Debug, "debug", c.Coordinator.Debug, "Verbose logs")
	fs.IntVar(&c.Coordinator.Monitoring.Port, "monitoring.port", c.Coordinator.Monitoring.Port, "Monitoring server port")
	fs.IntVar(&c.Coordinator.Room.Capacity, "room.capacity", c.Coordinator.Room.Capacity, "Max members in a room, 0 is unlimited")
	fs.StringVar(&c.Coordinator.Room.RolePolicy, "room.rolePolicy", c.Coordinator.Room.RolePolicy, "Initiator role policy: promote or keep")
	return c
}

func (c *CoordinatorConfig) Validate() error {
	r := c.Coordinator.Room
	if r.Capacity < 0 {
		return fmt.Errorf("config: negative room capacity %d", r.Capacity)
	}
	switch r.RolePolicy {
	case RolePromote, RoleKeep:
	default:
		return fmt.Errorf("config: unknown role policy %q", r.RolePolicy)
	}
	return nil
}
