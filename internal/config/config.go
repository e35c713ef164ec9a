// Package config handles the inputs both binaries read before touching the
// network: the client's server-list file, "address port" endpoint notation,
// and the server's optional YAML configuration file.
package config

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Endpoint is a configured server address. Immutable once parsed.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

func parseEndpoint(fields []string) (Endpoint, error) {
	if len(fields) != 2 {
		return Endpoint{}, trace.BadParameter("must follow pattern 'address port'")
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Endpoint{}, trace.BadParameter("port %q is not a number", fields[1])
	}
	if port < 0 || port > 65535 {
		return Endpoint{}, trace.BadParameter("port %d is not within the range of 0 to 65535", port)
	}
	return Endpoint{Host: fields[0], Port: port}, nil
}

// ParseServerList reads a server-list: one "address port" entry per line,
// with lines starting with '#' and blank lines ignored. A malformed entry is
// an error; an empty result is too, since a client with no servers has
// nothing to do.
func ParseServerList(r io.Reader) ([]Endpoint, error) {
	var servers []Endpoint
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ep, err := parseEndpoint(strings.Fields(text))
		if err != nil {
			return nil, trace.BadParameter("server entry %d %q is malformed: %v", line, text, err)
		}
		servers = append(servers, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(servers) == 0 {
		return nil, trace.NotFound("no active servers were found in the server list")
	}
	return servers, nil
}

// LoadServerList reads and parses the server-list file at path.
func LoadServerList(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ParseServerList(f)
}

// ParseEndpoints parses the comma-separated "address port,address port"
// notation used by the --parents and --children flags.
func ParseEndpoints(s string) ([]Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var eps []Endpoint
	for _, entry := range strings.Split(s, ",") {
		ep, err := parseEndpoint(strings.Fields(entry))
		if err != nil {
			return nil, trace.BadParameter("endpoint %q is malformed: %v", entry, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// ServerFile is the server daemon's optional YAML configuration. Flags given
// on the command line override anything set here.
type ServerFile struct {
	WorkDir         string   `yaml:"work_dir"`
	Renderer        string   `yaml:"renderer"`
	RendererOptions string   `yaml:"renderer_options"`
	Port            int      `yaml:"port"`
	Parents         []string `yaml:"parents"`
	Children        []string `yaml:"children"`
	LogLevel        string   `yaml:"log_level"`
}

// Endpoints parses a list of "address port" entries from the file.
func (f *ServerFile) Endpoints(entries []string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, entry := range entries {
		ep, err := parseEndpoint(strings.Fields(entry))
		if err != nil {
			return nil, trace.BadParameter("endpoint %q is malformed: %v", entry, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// LoadServerFile decodes the YAML configuration at path. Unknown keys are an
// error so typos do not silently vanish.
func LoadServerFile(path string) (*ServerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var f ServerFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, trace.BadParameter("could not parse config %q: %v", path, err)
	}
	return &f, nil
}
