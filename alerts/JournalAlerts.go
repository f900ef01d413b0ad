package alerts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go_service_manager/logger"
	"go_service_manager/logprovider"
	"go_service_manager/model"
	"go_service_manager/runner"
)

const (
	journalWaitTimeout = time.Second
	maxRecoveryRetries = 3
)

// Aos core component units recognised for core alerts.
var coreComponents = []string{
	"aos-servicemanager",
	"aos-updatemanager",
	"aos-communicationmanager",
	"aos-iamanager",
}

// Config configures the journal alerts provider.
type Config struct {
	Filter               []string
	ServiceAlertPriority int
	SystemAlertPriority  int
}

// CursorStorage persists the journal cursor.
type CursorStorage interface {
	SetJournalCursor(cursor string) error
	GetJournalCursor() (string, error)
}

// InstanceInfoProvider resolves unit instance IDs to instance identity.
type InstanceInfoProvider interface {
	GetInstanceInfoByID(instanceID string) (model.InstanceIdent, string, error)
}

// JournalAlerts subscribes to the system journal and converts high
// priority entries into alerts.
type JournalAlerts struct {
	mu sync.Mutex

	cfg              Config
	journalFactory   logprovider.JournalFactory
	storage          CursorStorage
	instanceProvider InstanceInfoProvider
	sender           model.AlertSender

	journal  logprovider.Journal
	cursor   string
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates the provider and starts reading from the persisted cursor.
func New(cfg Config, journalFactory logprovider.JournalFactory, storage CursorStorage,
	instanceProvider InstanceInfoProvider, sender model.AlertSender) (*JournalAlerts, error) {
	ja := &JournalAlerts{
		cfg:              cfg,
		journalFactory:   journalFactory,
		storage:          storage,
		instanceProvider: instanceProvider,
		sender:           sender,
		stopChan:         make(chan struct{}),
		done:             make(chan struct{}),
	}

	if err := ja.setupJournal(true); err != nil {
		return nil, err
	}

	go ja.readRoutine()

	return ja, nil
}

// Stop terminates the reader and persists the cursor.
func (ja *JournalAlerts) Stop() {
	ja.stopOnce.Do(func() { close(ja.stopChan) })
	<-ja.done

	ja.mu.Lock()
	defer ja.mu.Unlock()

	if ja.cursor != "" {
		if err := ja.storage.SetJournalCursor(ja.cursor); err != nil {
			logger.ErrorLogger().Printf("Can't persist journal cursor: %v", err)
		}
	}

	if ja.journal != nil {
		ja.journal.Close()
	}
}

// setupJournal opens the journal with the alert matches and positions it.
// When useCursor is false (or cursor recovery failed) it seeks to tail.
func (ja *JournalAlerts) setupJournal(useCursor bool) error {
	journal, err := ja.journalFactory()
	if err != nil {
		return fmt.Errorf("error opening journal: %w", err)
	}

	for priority := 0; priority <= ja.cfg.SystemAlertPriority; priority++ {
		if err = journal.AddMatch(fmt.Sprintf("PRIORITY=%d", priority)); err != nil {
			journal.Close()
			return err
		}
	}

	if err = journal.AddDisjunction(); err != nil {
		journal.Close()
		return err
	}

	if err = journal.AddMatch("_SYSTEMD_UNIT=init.scope"); err != nil {
		journal.Close()
		return err
	}

	positioned := false

	if useCursor {
		cursor, err := ja.storage.GetJournalCursor()
		if err != nil {
			logger.ErrorLogger().Printf("Can't load journal cursor: %v", err)
		} else if cursor != "" {
			if err = journal.SeekCursor(cursor); err != nil {
				logger.ErrorLogger().Printf("Can't seek journal cursor, resetting: %v", err)
				if err := ja.storage.SetJournalCursor(""); err != nil {
					logger.ErrorLogger().Printf("Can't clear journal cursor: %v", err)
				}
			} else {
				// Skip the already handled entry under the cursor.
				journal.Next()
				positioned = true
			}
		}
	}

	if !positioned {
		if err = journal.SeekTail(); err != nil {
			journal.Close()
			return err
		}
	}

	ja.mu.Lock()
	ja.journal = journal
	ja.mu.Unlock()

	return nil
}

func (ja *JournalAlerts) readRoutine() {
	defer close(ja.done)

	retries := 0

	for {
		select {
		case <-ja.stopChan:
			return
		default:
		}

		ja.mu.Lock()
		journal := ja.journal
		ja.mu.Unlock()

		journal.Wait(journalWaitTimeout)

		if err := ja.drainEntries(journal); err != nil {
			logger.ErrorLogger().Printf("Journal read failed, re-seeking to tail: %v", err)

			if retries++; retries > maxRecoveryRetries {
				logger.ErrorLogger().Printf("Journal recovery retries exhausted")
				return
			}

			journal.Close()

			if err := ja.storage.SetJournalCursor(""); err != nil {
				logger.ErrorLogger().Printf("Can't clear journal cursor: %v", err)
			}

			if err := ja.setupJournal(false); err != nil {
				logger.ErrorLogger().Printf("Can't reopen journal: %v", err)
				return
			}

			continue
		}

		retries = 0
	}
}

func (ja *JournalAlerts) drainEntries(journal logprovider.Journal) error {
	for {
		ok, err := journal.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		entry, err := journal.GetEntry()
		if err != nil {
			return err
		}

		ja.mu.Lock()
		ja.cursor = entry.Cursor
		ja.mu.Unlock()

		ja.classifyEntry(entry)
	}
}

// classifyEntry maps one journal entry to an alert variant.
func (ja *JournalAlerts) classifyEntry(entry logprovider.JournalEntry) {
	for _, substring := range ja.cfg.Filter {
		if substring != "" && strings.Contains(entry.Message, substring) {
			return
		}
	}

	unit := entry.SystemdUnit
	if unit == "init.scope" {
		unit = unitFromCgroup(entry.CgroupPath)
	}

	header := model.AlertHeader{Timestamp: entry.RealTime}

	if instanceID, err := runner.InstanceIDFromUnitName(unit); err == nil {
		if entry.Priority > ja.cfg.ServiceAlertPriority {
			return
		}

		ident, version, err := ja.instanceProvider.GetInstanceInfoByID(instanceID)
		if err != nil {
			logger.InfoLogger().Printf("Journal entry from unknown instance: %s", instanceID)
			return
		}

		ja.sender.SendAlert(model.ServiceInstanceAlert{
			AlertHeader:    header,
			InstanceIdent:  ident,
			ServiceVersion: version,
			Message:        entry.Message,
		})

		return
	}

	for _, component := range coreComponents {
		if strings.HasPrefix(unit, component) {
			ja.sender.SendAlert(model.CoreAlert{
				AlertHeader:   header,
				CoreComponent: component,
				Message:       entry.Message,
			})

			return
		}
	}

	ja.sender.SendAlert(model.SystemAlert{AlertHeader: header, Message: entry.Message})
}

// unitFromCgroup extracts the unit name from a systemd cgroup path.
func unitFromCgroup(cgroupPath string) string {
	parts := strings.Split(cgroupPath, "/")

	for i := len(parts) - 1; i >= 0; i-- {
		if strings.HasSuffix(parts[i], ".service") || strings.HasSuffix(parts[i], ".scope") {
			return parts[i]
		}
	}

	return cgroupPath
}
