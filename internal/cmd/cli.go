// Package cmd implements the softhcd command line.
package cmd

// CLI is the root command.
type CLI struct {
	Config string    `help:"Configuration file (json, yaml or toml)" type:"path" env:"SOFTHCD_CONFIG"`
	Log    LogConfig `embed:"" prefix:"log."`

	Run       Run           `cmd:"" help:"Drive echo traffic through the controller and a simulated device"`
	ConfigCmd ConfigCommand `cmd:"" name:"config" help:"Manage configuration files"`
}
