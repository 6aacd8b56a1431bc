package commands

import "blocksync/internal/config"

type Flags struct {
	LogLevel string
	LogFile  string

	// Config is loaded in the Before hook and available to all commands
	Config config.Config
}
