// Package mem implements an in-process log-store adapter: append-only
// logs held in memory, with deterministic discovery keys and no-op
// swarm membership. Used by single-node deployments and tests.
package mem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cellmesh/cell/server/logstore"
)

const adapterName = "mem"

type adapter struct {
	lock sync.Mutex
	logs map[string]*memLog
	open bool
}

type memLog struct {
	lock    sync.Mutex
	name    string
	dkey    string
	records [][]byte
	swarmed bool
}

func (a *adapter) Open(jsonconf json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.open {
		return errors.New("mem: adapter is already open")
	}
	a.logs = make(map[string]*memLog)
	a.open = true
	return nil
}

func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.logs = nil
	a.open = false
	return nil
}

func (a *adapter) IsOpen() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.open
}

func (a *adapter) GetName() string {
	return adapterName
}

func (a *adapter) OpenLog(_ context.Context, name string) (logstore.Log, error) {
	if name == "" {
		return nil, errors.New("mem: empty log name")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return nil, errors.New("mem: adapter is not open")
	}
	if l, ok := a.logs[name]; ok {
		return l, nil
	}

	dkey := sha256.Sum256([]byte("discovery\x00" + name))
	l := &memLog{name: name, dkey: hex.EncodeToString(dkey[:])}
	a.logs[name] = l
	return l, nil
}

func (l *memLog) Name() string {
	return l.name
}

func (l *memLog) Append(_ context.Context, rec []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	cp := make([]byte, len(rec))
	copy(cp, rec)
	l.records = append(l.records, cp)
	return len(l.records) - 1, nil
}

func (l *memLog) Get(_ context.Context, index int) ([]byte, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if index < 0 || index >= len(l.records) {
		return nil, errors.New("mem: index out of range")
	}
	cp := make([]byte, len(l.records[index]))
	copy(cp, l.records[index])
	return cp, nil
}

func (l *memLog) Length() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.records)
}

func (l *memLog) DiscoveryKey() string {
	return l.dkey
}

func (l *memLog) JoinSwarm(_ context.Context) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.swarmed = true
	return nil
}

func (l *memLog) LeaveSwarm() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.swarmed = false
	return nil
}

// New returns an unregistered adapter instance. Tests use it to build
// isolated stores; production code goes through logstore.Open.
func New() logstore.Adapter {
	return &adapter{}
}

func init() {
	logstore.RegisterAdapter(&adapter{})
}
