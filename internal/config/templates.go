package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteDefault writes the default config file into home. An existing file
// is kept unless overwrite is set.
func WriteDefault(home string, overwrite bool) (string, error) {
	path := Path(home)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return path, err
	}
	return path, os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

// LoadOrInit loads home/config.toml, writing the default file first when
// none exists.
func LoadOrInit(home string) (Config, error) {
	if _, err := os.Stat(Path(home)); os.IsNotExist(err) {
		if _, err := WriteDefault(home, false); err != nil {
			return Config{}, err
		}
	}
	return Load(home)
}

const defaultTemplate = `# fts node configuration. Relative paths are resolved against the fts home.

[node]
# name = "laptop"   # certificate identity, defaults to the hostname

[server]
listen = ":7070"
admin_listen = "127.0.0.1:7071"
max_sessions = 4
queue_size = 4
history_size = 64
close_timeout = "30s"
download_dir = "downloads"

[trust]
# "auto-accept" pins a new host on first contact, "require-approval"
# records it as pending until ` + "`fts trust approve`" + `.
first_contact = "require-approval"
db = "trust.db"

[cache]
dir = "cache"
budget_bytes = 1073741824

[transfer]
chunk_size = 262144
# max_file_size defaults to the largest file whose manifest fits in one frame.
# max_file_size = 68719476736
window = 8
compression = "zstd"
connect_timeout = "5s"
handshake_timeout = "5s"
read_timeout = "30s"
write_timeout = "30s"
ack_timeout = "10s"
verify_timeout = "2m"
max_connect_attempts = 5
chunk_retry_limit = 3
ack_retry_limit = 3

[client]
parallel = 4
attempts = 3

[log]
level = "info"
# file = "fts.log"
`
