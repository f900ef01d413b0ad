package logprovider

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// sdJournal adapts the native journal reader to the Journal interface.
type sdJournal struct {
	journal *sdjournal.Journal
}

// NewSdJournal opens the system journal.
func NewSdJournal() (Journal, error) {
	journal, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("error opening journal: %w", err)
	}

	return &sdJournal{journal: journal}, nil
}

func (j *sdJournal) AddMatch(match string) error {
	return j.journal.AddMatch(match)
}

func (j *sdJournal) AddDisjunction() error {
	return j.journal.AddDisjunction()
}

func (j *sdJournal) SeekHead() error {
	return j.journal.SeekHead()
}

func (j *sdJournal) SeekTail() error {
	return j.journal.SeekTail()
}

func (j *sdJournal) SeekRealtime(t time.Time) error {
	return j.journal.SeekRealtimeUsec(uint64(t.UnixMicro()))
}

func (j *sdJournal) SeekCursor(cursor string) error {
	return j.journal.SeekCursor(cursor)
}

func (j *sdJournal) Next() (bool, error) {
	count, err := j.journal.Next()
	return count > 0, err
}

func (j *sdJournal) Previous() (bool, error) {
	count, err := j.journal.Previous()
	return count > 0, err
}

func (j *sdJournal) GetEntry() (JournalEntry, error) {
	entry, err := j.journal.GetEntry()
	if err != nil {
		return JournalEntry{}, fmt.Errorf("error getting journal entry: %w", err)
	}

	priority := 0
	if value, ok := entry.Fields[sdjournal.SD_JOURNAL_FIELD_PRIORITY]; ok {
		priority, _ = strconv.Atoi(value)
	}

	return JournalEntry{
		Cursor:      entry.Cursor,
		RealTime:    time.UnixMicro(int64(entry.RealtimeTimestamp)),
		Priority:    priority,
		Message:     entry.Fields[sdjournal.SD_JOURNAL_FIELD_MESSAGE],
		SystemdUnit: entry.Fields[sdjournal.SD_JOURNAL_FIELD_SYSTEMD_UNIT],
		CgroupPath:  entry.Fields[sdjournal.SD_JOURNAL_FIELD_SYSTEMD_CGROUP],
	}, nil
}

func (j *sdJournal) GetCursor() (string, error) {
	return j.journal.GetCursor()
}

func (j *sdJournal) Wait(timeout time.Duration) bool {
	return j.journal.Wait(timeout) != sdjournal.SD_JOURNAL_NOP
}

func (j *sdJournal) Close() error {
	return j.journal.Close()
}
