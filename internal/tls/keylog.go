package tls

import (
	"io"
	"os"
	"path/filepath"
)

// keyLogFileMode restricts key log files to the owner; they hold session secrets.
const keyLogFileMode = 0o600

// OpenKeyLog opens the key log file named by intent for appending. It
// returns nil when the intent resolves to no file.
func OpenKeyLog(intent KeyLogIntent) (io.WriteCloser, error) {
	path := intent.ResolvePath(os.Getenv)
	if path == "" {
		return nil, nil
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_APPEND, keyLogFileMode)
	if err != nil {
		return nil, WrapError(err, "open key log file")
	}

	return f, nil
}
