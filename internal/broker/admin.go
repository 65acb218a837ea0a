package broker

import "log"

// AdminSink receives document telemetry. The admin console itself lives
// outside this module; brokers only push into the sink.
type AdminSink interface {
	AddDoc(docKey string, pid int, filename, sessionID, userName string)
	RmDoc(docKey string)
	RmDocSession(docKey, sessionID string)
	UpdateMemoryDirty(docKey string, dirtyKB int)
	UpdateLastActivityTime(docKey string)
}

// LogAdminSink is the default sink: telemetry goes to the process log.
type LogAdminSink struct{}

func (LogAdminSink) AddDoc(docKey string, pid int, filename, sessionID, userName string) {
	log.Printf("admin: adddoc %s pid=%d file=%s session=%s user=%s", docKey, pid, filename, sessionID, userName)
}

func (LogAdminSink) RmDoc(docKey string) {
	log.Printf("admin: rmdoc %s", docKey)
}

func (LogAdminSink) RmDocSession(docKey, sessionID string) {
	log.Printf("admin: rmdoc %s session=%s", docKey, sessionID)
}

func (LogAdminSink) UpdateMemoryDirty(docKey string, dirtyKB int) {
	log.Printf("admin: memdirty %s dirty=%d", docKey, dirtyKB)
}

func (LogAdminSink) UpdateLastActivityTime(docKey string) {}
