package transport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cvsouth/meshwire/iface"
)

// On-disk layout under Config.StorageDir (§6). Grounded on the teacher's
// directory.Cache: JSON files under a per-instance directory, loaded with
// a best-effort "missing or stale means empty" read and overwritten
// wholesale on every persist.
const (
	pathTableFile = "storage/path_table"
	tunnelFile    = "storage/tunnels"
)

type persistedPathTable struct {
	Entries map[string]persistedPath `json:"entries"`
}

type persistedTunnels struct {
	Entries map[string][][]byte `json:"entries"`
}

func (t *Transport) pathTablePath() string {
	return filepath.Join(t.cfg.StorageDir, pathTableFile)
}

func (t *Transport) tunnelPath() string {
	return filepath.Join(t.cfg.StorageDir, tunnelFile)
}

// persist writes the path table and tunnel table to disk. The next-hop
// interface of a path entry cannot be serialized, so only its name is
// kept; loadPersisted resolves it by name against the interfaces registered
// at load time.
func (t *Transport) persist() error {
	if t.cfg.StorageDir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.pathTablePath()), 0o700); err != nil {
		return fmt.Errorf("transport persist: %w", err)
	}

	out := persistedPathTable{Entries: make(map[string]persistedPath)}
	for dest, e := range t.paths.snapshot() {
		name := ""
		var sourceMode iface.Mode
		if e.NextHopIface != nil {
			name = e.NextHopIface.Name()
			sourceMode = e.SourceMode
		}
		out.Entries[hexKey(dest)] = persistedPath{
			NextHopIfaceName: name,
			NextHopID:        e.NextHopID,
			Hops:             e.Hops,
			Expiry:           e.Expiry,
			Announce:         e.Announce,
			SourceMode:       sourceMode,
			Timestamp:        e.Timestamp,
		}
	}
	if err := writeJSON(t.pathTablePath(), out); err != nil {
		return fmt.Errorf("transport persist: path table: %w", err)
	}

	tunnelOut := persistedTunnels{Entries: make(map[string][][]byte)}
	for id, announces := range t.tunnels.snapshot() {
		tunnelOut.Entries[hexKey(id)] = announces
	}
	if err := writeJSON(t.tunnelPath(), tunnelOut); err != nil {
		return fmt.Errorf("transport persist: tunnels: %w", err)
	}
	return nil
}

// loadPersisted restores path and tunnel tables from disk. NextHopIface is
// looked up by name among the interfaces registered at the time of the
// call; an entry whose interface is not registered yet keeps a nil
// NextHopIface, and interfaces that register later are not matched back
// to restored entries.
func (t *Transport) loadPersisted() error {
	var pt persistedPathTable
	if ok, err := readJSON(t.pathTablePath(), &pt); err != nil {
		return fmt.Errorf("transport load: path table: %w", err)
	} else if ok {
		entries := make(map[[16]byte]PathEntry, len(pt.Entries))
		for k, v := range pt.Entries {
			dest, err := keyHex(k)
			if err != nil {
				continue
			}
			iFace, _ := t.interfaceByName(v.NextHopIfaceName)
			entries[dest] = PathEntry{
				NextHopIface: iFace,
				NextHopID:    v.NextHopID,
				Hops:         v.Hops,
				Expiry:       v.Expiry,
				Announce:     v.Announce,
				SourceMode:   v.SourceMode,
				Timestamp:    v.Timestamp,
			}
		}
		t.paths.restore(entries, time.Now())
	}

	var tn persistedTunnels
	if ok, err := readJSON(t.tunnelPath(), &tn); err != nil {
		return fmt.Errorf("transport load: tunnels: %w", err)
	} else if ok {
		entries := make(map[TunnelID][][]byte, len(tn.Entries))
		for k, v := range tn.Entries {
			id, err := keyHex16(k)
			if err != nil {
				continue
			}
			entries[id] = v
		}
		t.tunnels.restore(entries)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSON reports ok=false (no error) if the file does not exist yet.
func readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func hexKey(k [16]byte) string {
	return hex.EncodeToString(k[:])
}

func keyHex(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("transport: malformed hex key %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func keyHex16(s string) (TunnelID, error) {
	return keyHex(s)
}
