package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// SessionState represents the lifecycle state of a tunnel session.
// The state is owned by the platform tunnel subsystem; this process only
// observes it through status notifications.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReasserting
	StateInvalid
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReasserting:
		return "reasserting"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// IsActive reports whether a session in this state counts as live for the
// one-session-at-a-time rule.
func (s SessionState) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateReasserting
}

// IsTerminal reports whether this state resolves an in-flight start or stop.
// Connected resolves a start successfully; Disconnected and Invalid resolve
// either operation (Invalid means the configuration is unrecoverable).
func (s SessionState) IsTerminal() bool {
	return s == StateConnected || s == StateDisconnected || s == StateInvalid
}

// validTransitions is the allowed state graph. Any state may additionally
// degrade to StateInvalid, and a fresh start after an Invalid terminal state
// begins a new operation from Connecting.
var validTransitions = map[SessionState][]SessionState{
	StateDisconnected:  {StateConnecting},
	StateInvalid:       {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting},
	StateConnected:     {StateDisconnecting, StateReasserting},
	StateReasserting:   {StateConnected, StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

// ValidTransition reports whether moving from one session state to another
// follows the allowed graph.
func ValidTransition(from, to SessionState) bool {
	if to == StateInvalid {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TunnelConfig describes a tunnel's identity and transport parameters.
// Transport is an opaque blob (a YAML document naming a proxy scheme and
// endpoint); it is passed through to the platform subsystem uninterpreted.
type TunnelConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
}

// StatusEvent is a single session-status notification from the platform.
type StatusEvent struct {
	TunnelID string
	State    SessionState
}

// TunnelRecord is the persisted form of a tunnel configuration, including
// the on-demand auto-reconnect flag the policy controller toggles.
type TunnelRecord struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	OnDemand  bool   `yaml:"on_demand"`
}

// ConfigStore persists the active tunnel record. Implemented by FileStore;
// the session manager and policy controller share one instance so record
// mutations stay serialized behind a single lock.
type ConfigStore interface {
	Load(id string) (TunnelRecord, error)
	Save(rec TunnelRecord) error
}

// FileStore keeps tunnel records in a single YAML file.
type FileStore struct {
	mu       sync.Mutex
	filePath string
}

// storeFile is the on-disk layout of the record file.
type storeFile struct {
	Tunnels []TunnelRecord `yaml:"tunnels"`
}

// NewFileStore creates a store backed by the given file. The file is created
// on first Save.
func NewFileStore(filePath string) *FileStore {
	return &FileStore{filePath: filePath}
}

// Load returns the record for the given tunnel id.
func (fs *FileStore) Load(id string) (TunnelRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sf, err := fs.read()
	if err != nil {
		return TunnelRecord{}, err
	}
	for _, rec := range sf.Tunnels {
		if rec.ID == id {
			return rec, nil
		}
	}
	return TunnelRecord{}, fmt.Errorf("tunnel %q not found in %s", id, fs.filePath)
}

// Save writes the record, replacing any existing record with the same id.
func (fs *FileStore) Save(rec TunnelRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sf, err := fs.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range sf.Tunnels {
		if sf.Tunnels[i].ID == rec.ID {
			sf.Tunnels[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		sf.Tunnels = append(sf.Tunnels, rec)
	}

	data, err := yaml.Marshal(&sf)
	if err != nil {
		return fmt.Errorf("marshal tunnel records: %w", err)
	}
	if dir := filepath.Dir(fs.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create record dir: %w", err)
		}
	}
	if err := os.WriteFile(fs.filePath, data, 0o600); err != nil {
		return fmt.Errorf("write tunnel records: %w", err)
	}
	return nil
}

func (fs *FileStore) read() (storeFile, error) {
	var sf storeFile
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return sf, nil
		}
		return sf, fmt.Errorf("read tunnel records: %w", err)
	}
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse tunnel records: %w", err)
	}
	return sf, nil
}
