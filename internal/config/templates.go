package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "system":
		return systemTemplate, nil
	case "loopback":
		return loopbackTemplate, nil
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

const systemTemplate = `[bus]
mode = "reuse"
address = ""
call_timeout_ms = 25000

[subscriptions]
poll_timeout_ms = 5000

[metrics]
addr = ""
cors_origins = ["http://localhost:3000"]
`

const loopbackTemplate = `[bus]
mode = "new"
address = "loopback"
call_timeout_ms = 2000

[subscriptions]
poll_timeout_ms = 250

[loopback]
name = "dbusctl-demo"
max_match_rules = 64
max_payload_bytes = 1048576

[metrics]
addr = "127.0.0.1:9464"
cors_origins = ["http://localhost:3000"]
`
