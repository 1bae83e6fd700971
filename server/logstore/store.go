// Package logstore defines the contract of the replicated-log
// collaborator and a registry of its adapters. Each named log is
// append-only and single-writer by protocol convention; replication
// and swarm discovery are the adapter's concern.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
)

// Log is one named append-only log.
type Log interface {
	// Name of the log, the only durable cross-process key.
	Name() string
	// Append adds a record and returns its index.
	Append(ctx context.Context, rec []byte) (int, error)
	// Get returns the record at the given index.
	Get(ctx context.Context, index int) ([]byte, error)
	// Length is the number of records appended so far.
	Length() int
	// DiscoveryKey identifies the log to the replication swarm.
	DiscoveryKey() string
	// JoinSwarm starts replicating this log with peers.
	JoinSwarm(ctx context.Context) error
	// LeaveSwarm stops replicating this log.
	LeaveSwarm() error
}

// Adapter is a concrete log-store backend.
type Adapter interface {
	// Open prepares the adapter. The config is adapter-specific JSON.
	Open(jsonconf json.RawMessage) error
	// Close shuts the adapter down.
	Close() error
	// IsOpen reports whether the adapter is ready.
	IsOpen() bool
	// GetName returns the name the adapter was registered under.
	GetName() string
	// OpenLog opens or creates a log by name. Idempotent per name.
	OpenLog(ctx context.Context, name string) (Log, error)
}

var availableAdapters = make(map[string]Adapter)

type configType struct {
	// Adapter name to use. Should be one of those registered.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// RegisterAdapter makes an adapter available by its name.
// Called from the adapters' init functions.
func RegisterAdapter(a Adapter) {
	if a == nil {
		panic("logstore: register adapter is nil")
	}

	name := a.GetName()
	if _, dup := availableAdapters[name]; dup {
		panic("logstore: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// AdapterNames lists the registered adapters, sorted.
func AdapterNames() []string {
	names := make([]string, 0, len(availableAdapters))
	for name := range availableAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open selects an adapter from config and opens it. With a single
// registered adapter the name may be omitted.
func Open(jsonconf json.RawMessage) (Adapter, error) {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("logstore: failed to parse config: " + err.Error())
		}
	}

	var adp Adapter
	if config.UseAdapter != "" {
		adp = availableAdapters[config.UseAdapter]
		if adp == nil {
			return nil, errors.New("logstore: adapter '" + config.UseAdapter + "' is not available in this binary")
		}
	} else if len(availableAdapters) == 1 {
		for _, a := range availableAdapters {
			adp = a
		}
	} else {
		return nil, errors.New("logstore: adapter is not specified")
	}

	if adp.IsOpen() {
		return nil, errors.New("logstore: adapter is already open")
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	if err := adp.Open(adapterConfig); err != nil {
		return nil, err
	}
	return adp, nil
}
