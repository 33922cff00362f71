package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]
	environ := environMap(os.Environ())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch command {
	case "run":
		err = handleRun(ctx, args, environ, os.Stdout)
	case "servers":
		err = handleServers(ctx, args, environ, os.Stdout)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "[-] %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failure kind to a process exit status so scripts can tell
// a rejected job from a broken network.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfig:
		return 2
	case errs.KindData:
		return 3
	case errs.KindCrypto:
		return 4
	case errs.KindNetwork:
		return 5
	case errs.KindRejection:
		return 6
	case errs.KindServerFault:
		return 7
	case errs.KindFileSystem:
		return 8
	}
	return 1
}

func environMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func printUsage() {
	writeUsage(os.Stdout)
}

func writeUsage(w io.Writer) {
	fmt.Fprint(w, `lungseg - secure remote lung segmentation client

Usage: lungseg <command> [options]

Commands:
  run        Normalize a scan, send it for inference and export the masks
  servers    Probe candidate inference hosts and rank them by latency
  version    Show lungseg version
  help       Show this help message

Run Flags:
  --series <path>        MetaImage (.mha) scan, or a directory of DICOM slices (required)
  --server <host>        Inference host; when empty a host is discovered
  --file-name <name>     Case name for outputs (default: series file name)
  --output-dir <dir>     Output directory (default: .)
  --temp-dir <dir>       Temp directory for staged files (default: temp)
  --pub-key <path>       Public key forwarded with the upload (required)
  --pri-key <path>       Private key whose body is the passphrase (required)
  --config <file>        JSON configuration file
  --protocol <version>   Protocol version (v1, v2)
  --timeout <duration>   Request timeout, e.g. 30m (default: none)
  --previews             Also write a PNG preview per structure
  --compress             zlib-compress exported .mha files

Discovery Flags (run and servers):
  --hosts <a,b,c>        Candidate hosts
  --discovery-url <url>  Fetch candidate hosts, one per line

Configuration precedence: defaults, then --config, then LUNGSEG_* environment
variables, then flags.

Examples:
  # Segment a scan on a known host
  lungseg run --server gpu1.example.org --series scans/A01.mha \
    --output-dir prediction --pub-key keys/public.pem --pri-key keys/private.pem

  # Rank the hosts listed at a URL
  lungseg servers --discovery-url https://example.org/lungseg/hosts.txt
`)
}
