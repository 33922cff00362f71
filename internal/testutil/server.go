package testutil

import (
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/stub"
)

// NewInferenceServer starts a local inference service for opts and closes it
// when the test ends. Unset Key and CipherOptions default to the fixtures.
func NewInferenceServer(t testing.TB, opts stub.Options) (*httptest.Server, *stub.Server) {
	t.Helper()
	if opts.Key.IsZero() {
		opts.Key = Key(t)
	}
	if opts.CipherOptions == nil {
		opts.CipherOptions = []securechannel.Option{CheapCipher}
	}
	s := stub.NewServer(opts)
	srv := httptest.NewServer(s.ServeMux())
	t.Cleanup(srv.Close)
	return srv, s
}
