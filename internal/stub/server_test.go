package stub_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/httputil"
	"github.com/banshee-data/lungseg/internal/inference"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/stub"
	"github.com/banshee-data/lungseg/internal/testutil"
	"github.com/banshee-data/lungseg/internal/volume"
)

func init() {
	monitoring.SetLogger(nil)
}

var grid = volume.Shape{4, 5, 6}

// sealedSignal encrypts a ramp signal on the given grid as the client would.
func sealedSignal(t *testing.T, shape volume.Shape) []byte {
	t.Helper()
	v := testutil.Ramp(shape, 0, 1)
	var npy bytes.Buffer
	require.NoError(t, volume.WriteNPYFloat(&npy, shape[:], v.Data, volume.DescrFloat32))
	ct, err := securechannel.EncryptBytes(npy.Bytes(), testutil.Key(t), testutil.CheapCipher)
	require.NoError(t, err)
	return ct
}

func submit(t *testing.T, srv *httptest.Server, p config.Protocol, ct []byte, publicKey string) (*inference.Result, error) {
	t.Helper()
	c := inference.NewClient(httputil.NewStandardClient(srv.Client()))
	return c.Do(context.Background(), inference.Request{
		Endpoint:       p.Endpoint(srv.Listener.Addr().String()),
		Ciphertext:     bytes.NewReader(ct),
		CiphertextName: "run.npy.enc",
		PublicKey:      []byte(publicKey),
		PublicKeyName:  "public.pem",
	})
}

func TestServer_Accepts(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		p := testutil.Protocol(grid)
		p.ResponseEncryption = encrypted
		srv, s := testutil.NewInferenceServer(t, stub.Options{Protocol: p, PublicKey: []byte(testutil.PublicPEM)})

		res, err := submit(t, srv, p, sealedSignal(t, grid), testutil.PublicPEM)
		require.NoError(t, err)
		assert.Equal(t, inference.Accepted, res.Outcome)
		assert.Equal(t, 1, s.Requests())

		st, err := decode.Decode(res.Payload, encrypted, testutil.Key(t), p)
		require.NoError(t, err)
		total := 0
		for _, m := range st.Masks {
			total += m.Count()
		}
		// Every voxel above the background band lands in exactly one mask.
		assert.Greater(t, total, grid.Len()/2)
		assert.LessOrEqual(t, total, grid.Len())
	}
}

func TestServer_Rejections(t *testing.T) {
	p := testutil.Protocol(grid)
	srv, _ := testutil.NewInferenceServer(t, stub.Options{Protocol: p, PublicKey: []byte(testutil.PublicPEM)})

	tests := []struct {
		name      string
		ct        []byte
		publicKey string
		reason    string
	}{
		{"unknown public key", sealedSignal(t, grid), testutil.OtherPublicPEM, "public key not recognised"},
		{"not ciphertext", []byte("plain npy"), testutil.PublicPEM, "cannot decrypt upload"},
		{"wrong grid", sealedSignal(t, volume.Shape{4, 5, 7}), testutil.PublicPEM, "expected shape (4,5,6), got [4 5 7]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := submit(t, srv, p, tt.ct, tt.publicKey)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindRejection), "got %v", err)
			assert.Equal(t, inference.Rejected, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestServer_Fault(t *testing.T) {
	p := testutil.Protocol(grid)
	srv, _ := testutil.NewInferenceServer(t, stub.Options{Protocol: p, Fault: "oom"})

	res, err := submit(t, srv, p, sealedSignal(t, grid), testutil.PublicPEM)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindServerFault))
	assert.Equal(t, inference.ServerFault, res.Outcome)
	assert.Equal(t, "oom", res.Reason)
}

func TestServer_MethodAndHealth(t *testing.T) {
	s := stub.NewServer(stub.Options{Protocol: testutil.Protocol(grid)})
	h := stub.LoggingMiddleware(s.ServeMux())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/lung"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/healthz"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Zero(t, s.Requests())
}

func TestBandSegmenter(t *testing.T) {
	v := volume.New[float32](volume.Shape{1, 1, 7}, volume.Spacing{1, 1, 1})
	copy(v.Data, []float32{0, 0.1, 0.2, 0.4, 0.6, 0.8, 1})
	masks, err := stub.BandSegmenter(v)
	require.NoError(t, err)
	require.Len(t, masks, decode.StackSize)

	// Bands of width 1/6: background, then one structure per band.
	want := [][]uint8{
		{0, 0, 1, 0, 0, 0, 0},
		{0, 0, 0, 1, 0, 0, 0},
		{0, 0, 0, 0, 1, 0, 0},
		{0, 0, 0, 0, 0, 1, 0},
		{0, 0, 0, 0, 0, 0, 1},
	}
	for i, m := range masks {
		assert.Equal(t, want[i], m.Data, decode.Structures[i])
	}
}
