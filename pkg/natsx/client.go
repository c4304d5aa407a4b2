package natsx

import (
	"cmp"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

// DefaultName is the client name reported to the NATS server.
const DefaultName = "loom"

// Connect opens a connection to url. An empty url falls back to the NATS_URL
// environment variable and then to nats.DefaultURL. Without options the
// connection is named "loom" and compressed.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name(DefaultName), nats.Compression(true))
	}
	return nats.Connect(ResolveURL(url), opts...)
}

// ResolveURL returns url, or the NATS_URL environment variable, or nats.DefaultURL.
func ResolveURL(url string) string {
	return cmp.Or(url, os.Getenv("NATS_URL"), nats.DefaultURL)
}

// Auth holds the credential material for a connection. At most one mechanism
// is expected to be set; when several are, all of them are passed to the client.
type Auth struct {
	Token     string `yaml:"token"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	CredsFile string `yaml:"creds_file"`
	NKeyFile  string `yaml:"nkey_file"`
}

// IsZero reports whether no credential is configured.
func (a Auth) IsZero() bool {
	return a == Auth{}
}

// Options converts the credential material into client options.
func (a Auth) Options() ([]nats.Option, error) {
	var opts []nats.Option
	if a.Token != "" {
		opts = append(opts, nats.Token(a.Token))
	}
	if a.User != "" {
		opts = append(opts, nats.UserInfo(a.User, a.Password))
	}
	if a.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(a.CredsFile))
	}
	if a.NKeyFile != "" {
		opt, err := nats.NkeyOptionFromSeed(a.NKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}
	return opts, nil
}
