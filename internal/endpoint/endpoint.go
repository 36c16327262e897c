package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint locates the kvlab API: either a unix socket on this host or an
// http(s) address. BaseURL is what an HTTP client should dial; for unix
// sockets the host part is a placeholder and the transport dials Address.
type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

// DefaultSystemSocketPath is where a system-wide kvlab service listens.
const DefaultSystemSocketPath = "/var/run/kvlab/kvlab.sock"

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func unixEndpoint(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}
}

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "kvlab")
	}
	return unixEndpoint(filepath.Join(runtimeDir, "kvlab", "kvlab.sock"))
}

func defaultClientEndpoint() Endpoint {
	// Root talks to the system service when its socket exists.
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return unixEndpoint(DefaultSystemSocketPath)
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint the progress server can bind. Only
// unix sockets and plain http are listenable; TLS termination belongs to
// the platform ingress.
func ResolveListen(raw string) (Endpoint, error) {
	ep, err := resolve(raw, true)
	if err != nil {
		return Endpoint{}, err
	}
	if ep.Scheme == "https" {
		return Endpoint{}, fmt.Errorf("cannot listen on %q: only unix:// and http:// endpoints are bindable", raw)
	}
	return ep, nil
}

// Resolve resolves a client-side endpoint, falling back to KVLAB_HOST and
// then the default socket.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listenDefault bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("KVLAB_HOST"))
	}
	if value == "" {
		if listenDefault {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}
	return parse(value)
}

func parse(value string) (Endpoint, error) {
	scheme, rest, found := strings.Cut(value, "://")
	if !found {
		// A bare absolute path names a unix socket.
		if strings.HasPrefix(value, "/") {
			return unixEndpoint(value), nil
		}
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, https://, or an absolute socket path)", value)
	}

	switch scheme {
	case "unix":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return unixEndpoint(rest), nil
	case "http", "https":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("invalid %s endpoint %q", scheme, value)
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: value}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
}
