package cmd

import (
	"time"

	"github.com/CompareGroup/chef-asg/internal/pkg/registry"
)

// Defaults for the Chef server connection.
const (
	DefaultChefURL  = "https://api.chef.io/organizations/foo"
	DefaultChefUser = "admin"
	DefaultChefKey  = "client.pem"
)

// ChefFlags represents a set of flags for connecting to a Chef server.
type ChefFlags struct {
	registry.Config
}

// NewChefFlags returns a new ChefFlags.
func NewChefFlags(app Flagger) *ChefFlags {
	var f ChefFlags

	app.Flag("chef.url", "URL of the Chef server organization.").
		Envar("CHEF_SERVER_URL").
		Default(DefaultChefURL).
		PlaceHolder("URL").
		StringVar(&f.ServerURL)

	app.Flag("chef.user", "Admin user to sign Chef API requests as.").
		Envar("CHEF_USER").
		Default(DefaultChefUser).
		StringVar(&f.User)

	app.Flag("chef.key", "Path to the admin user's private key.").
		Envar("CHEF_KEY_PATH").
		Default(DefaultChefKey).
		PlaceHolder("PATH").
		StringVar(&f.KeyPath)

	app.Flag("chef.insecure", "Skip TLS verification of the Chef server.").
		Envar("CHEF_INSECURE").
		BoolVar(&f.Insecure)

	app.Flag("chef.timeout", "Timeout for Chef API requests.").
		Envar("CHEF_TIMEOUT").
		Default((30 * time.Second).String()).
		DurationVar(&f.Timeout)

	return &f
}
