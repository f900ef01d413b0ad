package logprovider

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"go_service_manager/model"
)

/***********************************************************************************************************************
 * Fake journal
 **********************************************************************************************************************/

type fakeJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	matches []string
	pos     int
}

func (j *fakeJournal) AddMatch(match string) error {
	j.matches = append(j.matches, match)
	return nil
}

func (j *fakeJournal) AddDisjunction() error { return nil }

func (j *fakeJournal) SeekHead() error { j.pos = 0; return nil }

func (j *fakeJournal) SeekTail() error { j.pos = len(j.entries); return nil }

func (j *fakeJournal) SeekRealtime(t time.Time) error {
	for i, entry := range j.entries {
		if !entry.RealTime.Before(t) {
			j.pos = i
			return nil
		}
	}
	j.pos = len(j.entries)
	return nil
}

func (j *fakeJournal) SeekCursor(cursor string) error {
	for i, entry := range j.entries {
		if entry.Cursor == cursor {
			j.pos = i
			return nil
		}
	}
	return model.NewError(model.ErrNotFound, "cursor not found")
}

func (j *fakeJournal) Next() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.pos >= len(j.entries) {
		return false, nil
	}
	j.pos++
	return true, nil
}

func (j *fakeJournal) Previous() (bool, error) {
	if j.pos == 0 {
		return false, nil
	}
	j.pos--
	return true, nil
}

func (j *fakeJournal) GetEntry() (JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.pos == 0 || j.pos > len(j.entries) {
		return JournalEntry{}, model.NewError(model.ErrFailed, "no current entry")
	}
	return j.entries[j.pos-1], nil
}

func (j *fakeJournal) GetCursor() (string, error) {
	if j.pos == 0 || j.pos > len(j.entries) {
		return "", model.NewError(model.ErrFailed, "no current entry")
	}
	return j.entries[j.pos-1].Cursor, nil
}

func (j *fakeJournal) Wait(timeout time.Duration) bool { return true }

func (j *fakeJournal) Close() error { return nil }

/***********************************************************************************************************************
 * Fakes
 **********************************************************************************************************************/

type fakeLocator struct {
	ids []string
}

func (l *fakeLocator) MatchingInstanceIDs(filter model.InstanceFilter) []string { return l.ids }

type logCollector struct {
	mu    sync.Mutex
	parts []model.PushLog
	done  chan struct{}
}

func newLogCollector() *logCollector {
	return &logCollector{done: make(chan struct{}, 256)}
}

func (c *logCollector) SendLog(part model.PushLog) {
	c.mu.Lock()
	c.parts = append(c.parts, part)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *logCollector) waitParts(t *testing.T, count int) []model.PushLog {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		c.mu.Lock()
		if len(c.parts) >= count {
			parts := append([]model.PushLog{}, c.parts...)
			c.mu.Unlock()
			return parts
		}
		c.mu.Unlock()

		select {
		case <-c.done:
		case <-deadline:
			t.Fatal("timeout waiting for log parts")
		}
	}
}

func journalWith(count int) *fakeJournal {
	journal := &fakeJournal{}
	base := time.Now().Add(-time.Hour)

	for i := 0; i < count; i++ {
		journal.entries = append(journal.entries, JournalEntry{
			Cursor:      fmt.Sprintf("cursor-%d", i),
			RealTime:    base.Add(time.Duration(i) * time.Minute),
			Message:     fmt.Sprintf("message %d", i),
			SystemdUnit: "aos-service@svc_sub_0.service",
		})
	}

	return journal
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestSystemLogPagination(t *testing.T) {
	journal := journalWith(10)
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 64, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil }, &fakeLocator{}, collector)

	provider.GetSystemLog(model.RequestLog{LogID: "log1"})

	parts := collector.waitParts(t, 1)

	var last model.PushLog
	var total int

	for _, part := range parts {
		assert.Equal(t, part.LogID, "log1")
		assert.Equal(t, part.Status, model.LogStatusOK)
		total += len(part.Content)
		last = part
	}

	assert.Assert(t, last.PartsCount > 0)
	assert.Equal(t, uint64(len(parts)), last.PartsCount)
	assert.Assert(t, total > 0)
}

func TestEmptyLog(t *testing.T) {
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 64, MaxPartCount: 80},
		func() (Journal, error) { return &fakeJournal{}, nil }, &fakeLocator{}, collector)

	provider.GetSystemLog(model.RequestLog{LogID: "log1"})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusEmpty)
}

func TestInstanceLogAddsUnitMatches(t *testing.T) {
	journal := journalWith(3)
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 1024, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil },
		&fakeLocator{ids: []string{"svc_sub_0"}}, collector)

	serviceID := "svc"
	provider.GetInstanceLog(model.RequestLog{
		LogID:  "log2",
		Filter: model.LogFilter{InstanceFilter: model.InstanceFilter{ServiceID: &serviceID}},
	})

	collector.waitParts(t, 1)

	assert.Equal(t, len(journal.matches), 1)
	assert.Equal(t, journal.matches[0], "_SYSTEMD_UNIT=aos-service@svc_sub_0.service")
}

func TestTimeBoundedRequest(t *testing.T) {
	journal := journalWith(10)
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 4096, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil }, &fakeLocator{}, collector)

	from := journal.entries[5].RealTime
	till := journal.entries[7].RealTime

	provider.GetSystemLog(model.RequestLog{
		LogID:  "log3",
		Filter: model.LogFilter{From: &from, Till: &till},
	})

	parts := collector.waitParts(t, 1)

	content := string(parts[0].Content)
	assert.Assert(t, !strings.Contains(content, "message 4"))
	assert.Assert(t, strings.Contains(content, "message 5"))
	assert.Assert(t, strings.Contains(content, "message 7"))
	assert.Assert(t, !strings.Contains(content, "message 8"))
}

func crashJournal(base time.Time) *fakeJournal {
	journal := &fakeJournal{}

	push := func(offset time.Duration, message string) {
		journal.entries = append(journal.entries, JournalEntry{
			Cursor:      message,
			RealTime:    base.Add(offset),
			Message:     message,
			SystemdUnit: "aos-service@svc_sub_0.service",
		})
	}

	push(0, "Started Aos service")
	push(1*time.Minute, "first run output")
	push(2*time.Minute, "aos-service@svc_sub_0.service: Main process exited, code=exited, status=1")
	push(3*time.Minute, "Started Aos service")
	push(4*time.Minute, "second run output")
	push(5*time.Minute, "aos-service@svc_sub_0.service: Main process exited, code=killed, status=9")
	push(6*time.Minute, "Started Aos service")
	push(7*time.Minute, "healthy run output")

	return journal
}

func TestCrashLogCollectsOnlyCrashedRun(t *testing.T) {
	journal := crashJournal(time.Now().Add(-time.Hour))
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 4096, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil },
		&fakeLocator{ids: []string{"svc_sub_0"}}, collector)

	provider.GetInstanceCrashLog(model.RequestLog{LogID: "crash1"})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusOK)

	content := string(parts[0].Content)

	// Only the run that ended in the newest crash is included.
	assert.Assert(t, strings.Contains(content, "second run output"))
	assert.Assert(t, strings.Contains(content, "code=killed"))
	assert.Assert(t, !strings.Contains(content, "first run output"))
	assert.Assert(t, !strings.Contains(content, "healthy run output"))

	// UNIT lifecycle matches are registered alongside the unit output match.
	assert.Assert(t, len(journal.matches) == 2)
	assert.Equal(t, journal.matches[0], "UNIT=aos-service@svc_sub_0.service")
	assert.Equal(t, journal.matches[1], "_SYSTEMD_UNIT=aos-service@svc_sub_0.service")
}

func TestCrashLogAbsentWithoutCrash(t *testing.T) {
	journal := journalWith(5)
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 4096, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil },
		&fakeLocator{ids: []string{"svc_sub_0"}}, collector)

	provider.GetInstanceCrashLog(model.RequestLog{LogID: "crash2"})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusAbsent)
}

func TestCrashLogRespectsFromBound(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	journal := crashJournal(base)
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 4096, MaxPartCount: 80},
		func() (Journal, error) { return journal, nil },
		&fakeLocator{ids: []string{"svc_sub_0"}}, collector)

	// The crash search must not cross the from bound.
	from := base.Add(6 * time.Minute)

	provider.GetInstanceCrashLog(model.RequestLog{
		LogID:  "crash3",
		Filter: model.LogFilter{From: &from},
	})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusAbsent)
}

func TestCrashLogNoMatchingInstances(t *testing.T) {
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 4096, MaxPartCount: 80},
		func() (Journal, error) { return &fakeJournal{}, nil },
		&fakeLocator{}, collector)

	provider.GetInstanceCrashLog(model.RequestLog{LogID: "crash4"})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusError)
}

func TestErrorStatusWhenJournalFails(t *testing.T) {
	collector := newLogCollector()

	provider := New(Config{MaxPartSize: 64, MaxPartCount: 80},
		func() (Journal, error) { return nil, model.NewError(model.ErrFailed, "journal broken") },
		&fakeLocator{}, collector)

	provider.GetSystemLog(model.RequestLog{LogID: "log4"})

	parts := collector.waitParts(t, 1)
	assert.Equal(t, parts[0].Status, model.LogStatusError)
	assert.Assert(t, parts[0].Error != nil)
}
