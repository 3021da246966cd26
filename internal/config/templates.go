package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "serve":
		return serveTemplate, nil
	case "session":
		return sessionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serveTemplate = `name = "m1n1ctl"
addr = "127.0.0.1:9300"
cors_origins = ["http://localhost:3000"]
allow_writes = false
write_token = ""
max_read = 65536
`

// Durations are Go duration strings; omitted keys keep their defaults.
const sessionTemplate = `device = "/dev/ttyUSB0"
initial_baud = 115200
target_baud = 1500000
handshake_timeout = "150ms"
handshake_attempts = 3
read_timeout = "3s"
disable_data_checksums = false
heap_size = 1073741824
firmware_heap_reserve = 134217728
code_buffer_size = 65536

[backoff]
initial_delay = "50ms"
multiplier = 2.0
max_delay = "500ms"
jitter = true

# Uncomment to reach a device attached to another machine over ssh.
# [ssh]
# host = "lab-mac"
# port = "22"
# user = "m1"
# key_path = "~/.ssh/id_ed25519"
# known_hosts = "~/.ssh/known_hosts"
# insecure_skip_host_key_check = false
# timeout = "10s"
`
