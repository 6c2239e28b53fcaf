// Package cmd holds the command line plumbing shared by the chef-asg
// binaries.
package cmd

import (
	"gopkg.in/alecthomas/kingpin.v2" // Command line arg parsing.
)

// Flagger is an interface satisfied by kingpin.Application and kingpin.CmdClause.
type Flagger interface {
	Flag(name, help string) *kingpin.FlagClause
}
