package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
)

const macLogName = "log_getmac_processado.txt"

// AppendMac appends one TSV record (dev_id, mac, error) to the MAC
// processing log at the workspace root. The file is append-only and shared
// with external tooling, hence the fixed name and format.
func (s *Sink) AppendMac(devID, mac, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(filepath.Dir(s.dir), macLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open mac log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\t%s\t%s\n", devID, mac, errStr)
	return err
}
