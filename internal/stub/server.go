// Package stub is a local stand-in for the remote segmentation service. It
// speaks the same wire protocol so the client can be exercised end to end
// without a GPU host.
package stub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/decode"
	"github.com/banshee-data/lungseg/internal/httputil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/volume"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// maxUploadBytes bounds the ct part. A 512³ float64 signal is 1 GiB.
const maxUploadBytes = 2 << 30

// Options configures a Server.
type Options struct {
	Protocol config.Protocol
	// Key decrypts uploads and, with response encryption, seals replies.
	Key securechannel.Key
	// PublicKey, when set, must match the uploaded public_key part.
	PublicKey []byte
	// Segment produces the reply masks. Defaults to BandSegmenter.
	Segment Segmenter
	// Fault, when non-empty, is returned as a 500 body for every request.
	Fault string
	// Cipher options for sealing replies.
	CipherOptions []securechannel.Option
}

// Server answers inference requests.
type Server struct {
	opts     Options
	requests atomic.Int64
}

// NewServer returns a server for opts.
func NewServer(opts Options) *Server {
	if opts.Segment == nil {
		opts.Segment = BandSegmenter
	}
	return &Server{opts: opts}
}

// Requests returns the number of inference requests received.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// ServeMux routes the protocol path to the inference handler.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+strings.TrimPrefix(s.opts.Protocol.Path, "/"), s.handleInference)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteText(w, http.StatusOK, "ok")
	})
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %s",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			monitoring.FormatDuration(time.Since(start)),
		)
	})
}

// upload holds the two multipart fields of a request.
type upload struct {
	ciphertext []byte
	publicKey  []byte
}

func readUpload(r *http.Request) (*upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	u := &upload{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch part.FormName() {
		case "ct":
			u.ciphertext, err = io.ReadAll(io.LimitReader(part, maxUploadBytes))
		case "public_key":
			u.publicKey, err = io.ReadAll(io.LimitReader(part, 1<<20))
		default:
			_, err = io.Copy(io.Discard, part)
		}
		part.Close()
		if err != nil {
			return nil, err
		}
	}
	if u.ciphertext == nil {
		return nil, fmt.Errorf("missing ct part")
	}
	if u.publicKey == nil {
		return nil, fmt.Errorf("missing public_key part")
	}
	return u, nil
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.requests.Add(1)

	if s.opts.Fault != "" {
		httputil.InternalServerError(w, s.opts.Fault)
		return
	}

	u, err := readUpload(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusOK, err.Error())
		return
	}
	if s.opts.PublicKey != nil && !bytes.Equal(bytes.TrimSpace(u.publicKey), bytes.TrimSpace(s.opts.PublicKey)) {
		httputil.WriteJSONError(w, http.StatusOK, "public key not recognised")
		return
	}

	plain, err := securechannel.DecryptBytes(u.ciphertext, s.opts.Key)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusOK, "cannot decrypt upload")
		return
	}

	signal, err := s.readSignal(plain)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusOK, err.Error())
		return
	}

	masks, err := s.opts.Segment(signal)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	var payload bytes.Buffer
	if err := decode.EncodeStack(&payload, masks); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	reply := payload.Bytes()
	if s.opts.Protocol.ResponseEncryption {
		reply, err = securechannel.EncryptBytes(reply, s.opts.Key, s.opts.CipherOptions...)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	httputil.WriteBinary(w, reply)
}

func (s *Server) readSignal(plain []byte) (*volume.Volume[float32], error) {
	br := bufio.NewReader(bytes.NewReader(plain))
	h, err := volume.ReadNPYHeader(br)
	if err != nil {
		return nil, err
	}
	grid := s.opts.Protocol.Grid
	if len(h.Shape) != 3 || h.Shape[0] != grid[0] || h.Shape[1] != grid[1] || h.Shape[2] != grid[2] {
		return nil, fmt.Errorf("expected shape %s, got %v", grid, h.Shape)
	}
	data, err := volume.ReadNPYFloat32(br, h)
	if err != nil {
		return nil, err
	}
	return &volume.Volume[float32]{Shape: grid, Data: data}, nil
}
