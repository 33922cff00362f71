// Command lungseg-stub serves the inference wire protocol locally with a
// threshold segmenter, for exercising the client without a GPU host.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/lungseg/internal/config"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/securechannel"
	"github.com/banshee-data/lungseg/internal/stub"
)

var (
	listen     = flag.String("listen", "", "Listen address (default :<protocol port>)")
	protocol   = flag.String("protocol", "v1", "Protocol version")
	privateKey = flag.String("pri-key", "", "Private key whose body is the shared passphrase (required)")
	publicKey  = flag.String("pub-key", "", "Only accept uploads carrying this public key")
	fault      = flag.String("fault", "", "Answer every request with HTTP 500 and this text")
)

func main() {
	flag.Parse()

	if *privateKey == "" {
		log.Fatal("--pri-key is required")
	}
	proto, err := config.LookupProtocol(*protocol)
	if err != nil {
		log.Fatalf("invalid protocol: %v", err)
	}

	fsys := fsutil.OSFileSystem{}
	key, err := securechannel.ReadKeyFile(fsys, *privateKey)
	if err != nil {
		log.Fatalf("failed to read private key: %v", err)
	}
	opts := stub.Options{Protocol: proto, Key: key, Fault: *fault}
	if *publicKey != "" {
		opts.PublicKey, err = fsys.ReadFile(*publicKey)
		if err != nil {
			log.Fatalf("failed to read public key: %v", err)
		}
	}

	addr := *listen
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(proto.Port))
	}

	s := stub.NewServer(opts)
	server := &http.Server{
		Addr:              addr,
		Handler:           stub.LoggingMiddleware(s.ServeMux()),
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("serving protocol %s (grid %s, response encryption %t) on %s/%s",
			proto.Version, proto.Grid, proto.ResponseEncryption, addr, proto.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Printf("served %d inference requests", s.Requests())
}
