package metrics

import "os"

// WriteTextfile writes the current metrics in Prometheus exposition format
// to path, using an atomic write (temp file + rename). Intended for
// node_exporter's textfile collector on hosts the scraper cannot reach.
func (m *Metrics) WriteTextfile(path string) error {
	raw, err := m.GetMetrics()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
