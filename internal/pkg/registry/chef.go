// Package registry manages the Chef server clients and nodes that
// belong to autoscaled instances.
package registry

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chef/chef"                        // Chef server API.
	"github.com/pkg/errors"                          // Wrap errors with stacktrace.
	"github.com/prometheus/client_golang/prometheus" // Prometheus metrics.
	"go.uber.org/zap"                                // Logging.
)

var (
	// ErrNotFound is returned when a client or node doesn't exist
	// on the Chef server.
	ErrNotFound = errors.New("not found on chef server")

	// ErrConflict is returned when creating a client that already exists.
	ErrConflict = errors.New("already exists on chef server")
)

// Config holds the static credentials used to talk to the Chef server.
type Config struct {
	// URL of the Chef server organization,
	// e.g. https://api.chef.io/organizations/foo
	ServerURL string

	// Name of the admin user requests are signed as.
	User string

	// Path to the admin user's PEM encoded private key.
	KeyPath string

	// Skip TLS certificate verification.
	Insecure bool

	// Timeout for each request. Zero means no timeout.
	Timeout time.Duration
}

// clientService is the subset of *chef.ApiClientService used here.
type clientService interface {
	Create(client chef.ApiNewClient) (*chef.ApiClientCreateResult, error)
	Delete(name string) error
	Get(name string) (chef.ApiClient, error)
}

// nodeService is the subset of *chef.NodeService used here.
type nodeService interface {
	Delete(name string) error
}

// session is an authenticated connection to the Chef server.
type session interface {
	clients() clientService
	nodes() nodeService
}

type chefSession struct {
	c *chef.Client
}

func (s *chefSession) clients() clientService { return s.c.Clients }
func (s *chefSession) nodes() nodeService     { return s.c.Nodes }

// Registry creates and deletes Chef client/node pairs named
// after instance hostnames.
type Registry struct {
	url    string
	logger *zap.Logger
	dial   func() (session, error)

	// Metrics.
	Calls *prometheus.CounterVec // labels: op, result
}

// New returns a new Registry. The private key is read once; every
// operation opens its own session with it.
func New(cfg Config, logger *zap.Logger) (*Registry, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading chef key %s", cfg.KeyPath)
	}
	chefCfg := &chef.Config{
		Name:    cfg.User,
		Key:     string(key),
		BaseURL: withTrailingSlash(cfg.ServerURL),
		SkipSSL: cfg.Insecure,
		Timeout: timeoutSeconds(cfg.Timeout),
	}
	// Validate the key and URL up front rather than on the first event.
	if _, err := chef.NewClient(chefCfg); err != nil {
		return nil, errors.Wrap(err, "error configuring chef client")
	}
	dial := func() (session, error) {
		c, err := chef.NewClient(chefCfg)
		if err != nil {
			return nil, errors.Wrap(err, "error opening chef session")
		}
		return &chefSession{c: c}, nil
	}
	return newRegistry(cfg.ServerURL, logger, dial), nil
}

func newRegistry(url string, logger *zap.Logger, dial func() (session, error)) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		url:    url,
		logger: logger.With(zap.String("chef_server", url)),
		dial:   dial,
	}
}

// URL returns the Chef server URL.
func (r *Registry) URL() string {
	return r.url
}

// CreateClientAndKey creates a Chef client named hostname and returns
// the private key the server generated for it.
func (r *Registry) CreateClientAndKey(ctx context.Context, hostname string) (string, error) {
	var key string
	err := r.withSession(ctx, "create_client", func(s session) error {
		res, err := s.clients().Create(chef.ApiNewClient{
			Name:      hostname,
			CreateKey: true,
		})
		if err != nil {
			return errors.Wrapf(classify(err), "error creating chef client %s", hostname)
		}
		if res == nil || res.ChefKey.PrivateKey == "" {
			return errors.Errorf("chef server returned no private key for client %s", hostname)
		}
		key = res.ChefKey.PrivateKey
		r.logger.Info("created chef client", zap.String("hostname", hostname))
		return nil
	})
	return key, err
}

// DeleteClientAndNode deletes the Chef client and node named hostname.
// Both deletions are attempted even if the client is already gone. If
// either was already gone the result wraps ErrNotFound, which callers
// may treat as benign.
func (r *Registry) DeleteClientAndNode(ctx context.Context, hostname string) error {
	return r.withSession(ctx, "delete_client_and_node", func(s session) error {
		logger := r.logger.With(zap.String("hostname", hostname))
		var gone []string

		err := classify(s.clients().Delete(hostname))
		switch {
		case err == nil:
			logger.Info("deleted chef client")
		case errors.Cause(err) == ErrNotFound:
			logger.Warn("chef client already deleted", zap.Error(err))
			gone = append(gone, "client")
		default:
			return errors.Wrapf(err, "error deleting chef client %s", hostname)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		err = classify(s.nodes().Delete(hostname))
		switch {
		case err == nil:
			logger.Info("deleted chef node")
		case errors.Cause(err) == ErrNotFound:
			logger.Warn("chef node already deleted", zap.Error(err))
			gone = append(gone, "node")
		default:
			return errors.Wrapf(err, "error deleting chef node %s", hostname)
		}

		if len(gone) > 0 {
			return errors.Wrapf(ErrNotFound, "chef %s %s", strings.Join(gone, " and "), hostname)
		}
		return nil
	})
}

// Ping makes a signed request to the Chef server as the admin user.
// A not found answer still proves the server is reachable and accepts
// the credentials.
func (r *Registry) Ping(ctx context.Context, name string) error {
	return r.withSession(ctx, "ping", func(s session) error {
		_, err := s.clients().Get(name)
		if err = classify(err); err != nil && errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "error pinging chef server")
		}
		return nil
	})
}

// withSession opens a session for the duration of fn. Sessions are
// never shared between operations.
func (r *Registry) withSession(ctx context.Context, op string, fn func(session) error) (err error) {
	defer func() { r.observe(op, err) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := r.dial()
	if err != nil {
		return err
	}
	return fn(s)
}

func (r *Registry) observe(op string, err error) {
	if r.Calls == nil {
		return
	}
	result := "ok"
	switch errors.Cause(err) {
	case nil:
	case ErrNotFound:
		result = "not_found"
	case ErrConflict:
		result = "conflict"
	default:
		result = "error"
	}
	r.Calls.WithLabelValues(op, result).Inc()
}

// classify maps Chef API status codes onto ErrNotFound and ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var resp *chef.ErrorResponse
	if !errors.As(err, &resp) || resp.Response == nil {
		return err
	}
	switch resp.Response.StatusCode {
	case http.StatusNotFound:
		return errors.Wrap(ErrNotFound, resp.Error())
	case http.StatusConflict:
		return errors.Wrap(ErrConflict, resp.Error())
	}
	return err
}

// timeoutSeconds converts d to the whole seconds go-chef expects,
// rounding up: go-chef reads 0 as no timeout at all.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func withTrailingSlash(u string) string {
	if u == "" || u[len(u)-1] == '/' {
		return u
	}
	return u + "/"
}
