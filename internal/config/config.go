package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// maxEntries caps how many host:port entries a run will manage.
	maxEntries = 100
	// maxLines caps how far into the config file parsing will scan.
	maxLines = 200
)

// Entry is one externally-supplied synchronization target, immutable per run.
type Entry struct {
	Hostname string
	Port     uint16
}

func (e Entry) String() string {
	return e.Hostname + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// Config carries every path and knob the components need. It is built once
// in main and passed down; nothing reads process-wide state after that.
type Config struct {
	InstallDir string
	BinaryPath string
	ConfigPath string
	StatePath  string
	LockPath   string

	ServicePath string
	TimerPath   string

	// Resolver selects the lookup backend: "getent" (default) or "dns".
	Resolver string

	ResolveTimeout time.Duration
	LockTimeout    time.Duration
}

// New builds the default configuration rooted at /etc/ddnsfw. An optional
// ddnsfw.env file in the install dir may override the resolver choice and
// the config file location.
func New() Config {
	cfg := Config{
		InstallDir:     "/etc/ddnsfw",
		BinaryPath:     "/etc/ddnsfw/run",
		ConfigPath:     "/etc/ddnsfw/conf.conf",
		StatePath:      "/etc/ddnsfw/service.cache",
		LockPath:       "/etc/ddnsfw/.lock",
		ServicePath:    "/etc/systemd/system/ddnsfw.service",
		TimerPath:      "/etc/systemd/system/ddnsfw.timer",
		Resolver:       "getent",
		ResolveTimeout: 10 * time.Second,
		LockTimeout:    30 * time.Second,
	}

	if env, err := godotenv.Read(filepath.Join(cfg.InstallDir, "ddnsfw.env")); err == nil {
		if v := strings.TrimSpace(env["DDNSFW_RESOLVER"]); v == "dns" || v == "getent" {
			cfg.Resolver = v
		}
		if v := strings.TrimSpace(env["DDNSFW_CONFIG"]); v != "" {
			cfg.ConfigPath = v
		}
	}

	return cfg
}

// LoadEntries reads the config file. A missing file is not an error; the
// engine treats an empty entry list as nothing to do.
func LoadEntries(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return ParseEntries(f)
}

// ParseEntries parses one hostname:port per line. Blank lines and #-comments
// are skipped, malformed lines are skipped silently, and scanning stops at
// the line and entry caps.
func ParseEntries(r io.Reader) []Entry {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lines := 0
	for sc.Scan() {
		lines++
		if lines > maxLines {
			break
		}
		if len(entries) >= maxEntries {
			break
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		colon := strings.LastIndex(line, ":")
		if colon <= 0 {
			continue
		}
		hostname := strings.TrimSpace(line[:colon])
		port, err := strconv.ParseUint(strings.TrimSpace(line[colon+1:]), 10, 16)
		if err != nil || port == 0 || hostname == "" {
			continue
		}
		entries = append(entries, Entry{Hostname: hostname, Port: uint16(port)})
	}
	return entries
}
