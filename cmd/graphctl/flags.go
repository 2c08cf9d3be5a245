package main

import (
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/plugin"
	"github.com/spf13/pflag"
)

// levelFlag is an access level flag that falls back to the configured level when it is not set.
type levelFlag struct {
	level access.Level
	set   bool
}

func (s *levelFlag) String() string {
	if !s.set {
		return ""
	}

	return s.level.String()
}

func (s *levelFlag) Set(raw string) error {
	level, err := access.ParseLevel(raw)
	if err != nil {
		return err
	}

	s.level = level
	s.set = true

	return nil
}

func (s *levelFlag) Type() string {
	return "level"
}

type pluginTypeFlag struct {
	pluginType plugin.Type
}

func (s *pluginTypeFlag) String() string {
	return s.pluginType.String()
}

func (s *pluginTypeFlag) Set(raw string) error {
	pluginType, err := plugin.ParseType(raw)
	if err != nil {
		return err
	}

	s.pluginType = pluginType
	return nil
}

func (s *pluginTypeFlag) Type() string {
	return "type"
}

var (
	_ pflag.Value = (*levelFlag)(nil)
	_ pflag.Value = (*pluginTypeFlag)(nil)
)
