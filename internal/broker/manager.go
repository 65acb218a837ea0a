package broker

import (
	"log"
	"sync"
	"sync/atomic"

	"quill/server/internal/config"
	"quill/server/internal/ledger"
	"quill/server/internal/util"
)

// Manager owns the docKey -> broker map and enforces the process-wide
// invariant of at most one live broker per docKey.
type Manager struct {
	cfg          config.Config
	ledger       ledger.Ledger
	admin        AdminSink
	childFactory ChildFactory

	shutdownFlag atomic.Bool
	docSerial    atomic.Uint64

	mu      sync.Mutex
	brokers map[string]*Broker
}

func NewManager(cfg config.Config, tokenLedger ledger.Ledger, admin AdminSink, childFactory ChildFactory) *Manager {
	if admin == nil {
		admin = LogAdminSink{}
	}
	return &Manager{
		cfg:          cfg,
		ledger:       tokenLedger,
		admin:        admin,
		childFactory: childFactory,
		brokers:      make(map[string]*Broker),
	}
}

// FindOrCreate returns the live broker for the URI's docKey, starting a
// new loop when none exists. The returned broker may still be acquiring
// its kit; sessions are handed to it through AddCallback.
func (m *Manager) FindOrCreate(uriOrig string) (*Broker, error) {
	uriPublic, err := SanitizeURI(uriOrig)
	if err != nil {
		return nil, err
	}
	docKey := DocKeyFromURI(uriPublic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.brokers[docKey]; ok && b.IsAlive() {
		log.Printf("manager: found existing broker for [%s]", docKey)
		return b, nil
	}

	docID := util.EncodeDocID(m.docSerial.Add(1))
	b := New(uriOrig, uriPublic, docKey, docID, m.cfg, Deps{
		Ledger:       m.ledger,
		Admin:        m.admin,
		ChildFactory: m.childFactory,
		ShutdownFlag: &m.shutdownFlag,
		AlertAll:     m.AlertAllUsers,
		OnExit:       func() { m.remove(docKey) },
	})
	m.brokers[docKey] = b
	go b.Run()

	log.Printf("manager: created broker [%s] for docKey [%s]", docID, docKey)
	return b, nil
}

func (m *Manager) remove(docKey string) {
	m.mu.Lock()
	delete(m.brokers, docKey)
	count := len(m.brokers)
	m.mu.Unlock()
	log.Printf("manager: removed broker for [%s], %d left", docKey, count)
}

func (m *Manager) snapshot() []*Broker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b)
	}
	return out
}

// BrokerCount reports the number of registered brokers.
func (m *Manager) BrokerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.brokers)
}

// AlertAllUsers fans an error frame out to every session of every broker.
func (m *Manager) AlertAllUsers(cmd, kind string) {
	for _, b := range m.snapshot() {
		b := b
		b.AddCallback(func() { b.AlertAllUsers(cmd, kind) })
	}
}

// Shutdown raises the process-wide recycling flag; every broker loop
// exits at its next tick, then the calls block until all are done.
func (m *Manager) Shutdown() {
	m.shutdownFlag.Store(true)
	brokers := m.snapshot()
	for _, b := range brokers {
		b.wakeup()
	}
	for _, b := range brokers {
		<-b.Done()
	}
}
