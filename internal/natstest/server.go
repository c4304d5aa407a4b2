// Package natstest runs an embedded NATS server for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// Options tweaks the embedded server.
type Options struct {
	Token    string
	User     string
	Password string
}

// RunServer starts a server on a random local port and shuts it down when the
// test ends.
func RunServer(t testing.TB, opts ...Options) *server.Server {
	t.Helper()
	sopts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	if len(opts) > 0 {
		sopts.Authorization = opts[0].Token
		sopts.Username = opts[0].User
		sopts.Password = opts[0].Password
	}
	ns, err := server.NewServer(sopts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server did not become ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// Connect starts a server and returns a connection to it.
func Connect(t testing.TB) (*server.Server, *nats.Conn) {
	t.Helper()
	ns := RunServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return ns, nc
}
