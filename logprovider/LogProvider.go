package logprovider

import (
	"fmt"
	"strings"
	"time"

	"go_service_manager/logger"
	"go_service_manager/model"
	"go_service_manager/runner"
)

// Journal messages marking the boundaries of a service run. The supervisor
// writes them with a UNIT= field for the instance unit.
const (
	crashMessageMarker = "process exited"
	startMessagePrefix = "Started"
)

// Config configures log part pagination.
type Config struct {
	MaxPartSize  uint64
	MaxPartCount uint64
}

// LogSender delivers log parts upstream.
type LogSender interface {
	SendLog(part model.PushLog)
}

// InstanceLocator resolves an instance filter to unit instance IDs.
type InstanceLocator interface {
	MatchingInstanceIDs(filter model.InstanceFilter) []string
}

// LogProvider serves paged system and instance log requests from the
// journal.
type LogProvider struct {
	cfg            Config
	journalFactory JournalFactory
	locator        InstanceLocator
	sender         LogSender
}

// New creates the log provider.
func New(cfg Config, journalFactory JournalFactory, locator InstanceLocator, sender LogSender) *LogProvider {
	return &LogProvider{
		cfg:            cfg,
		journalFactory: journalFactory,
		locator:        locator,
		sender:         sender,
	}
}

// GetSystemLog streams system journal content matching the request bounds.
func (p *LogProvider) GetSystemLog(request model.RequestLog) {
	go p.serveRequest(request, nil)
}

// GetInstanceLog streams journal content of instances matching the filter.
func (p *LogProvider) GetInstanceLog(request model.RequestLog) {
	go p.serveRequest(request, p.unitMatches(request.Filter.InstanceFilter))
}

// GetInstanceCrashLog locates the last crash of the matched instances and
// streams the logs of the run that crashed.
func (p *LogProvider) GetInstanceCrashLog(request model.RequestLog) {
	go p.serveCrashRequest(request)
}

func (p *LogProvider) unitMatches(filter model.InstanceFilter) []string {
	instanceIDs := p.locator.MatchingInstanceIDs(filter)

	matches := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		matches = append(matches, "_SYSTEMD_UNIT="+runner.UnitName(id))
	}

	return matches
}

func (p *LogProvider) serveRequest(request model.RequestLog, matches []string) {
	logger.InfoLogger().Printf("Serving log request: logID=%s", request.LogID)

	content, err := p.collectContent(request, matches)
	if err != nil {
		p.sendError(request.LogID, err)
		return
	}

	p.sendParts(request.LogID, content)
}

// serveCrashRequest finds the crash of the last run and streams only that
// run's entries.
func (p *LogProvider) serveCrashRequest(request model.RequestLog) {
	logger.InfoLogger().Printf("Serving crash log request: logID=%s", request.LogID)

	content, found, err := p.collectCrashContent(request)
	if err != nil {
		p.sendError(request.LogID, err)
		return
	}

	if !found {
		p.sender.SendLog(model.PushLog{
			LogID:      request.LogID,
			Status:     model.LogStatusAbsent,
			Part:       1,
			PartsCount: 1,
		})
		return
	}

	p.sendParts(request.LogID, content)
}

func (p *LogProvider) sendError(logID string, err error) {
	p.sender.SendLog(model.PushLog{
		LogID:  logID,
		Status: model.LogStatusError,
		Error:  model.ErrorInfoFromErr(err),
	})
}

func (p *LogProvider) sendParts(logID string, content []byte) {
	if len(content) == 0 {
		p.sender.SendLog(model.PushLog{
			LogID:      logID,
			Status:     model.LogStatusEmpty,
			PartsCount: 0,
		})
		return
	}

	partsCount := (uint64(len(content)) + p.cfg.MaxPartSize - 1) / p.cfg.MaxPartSize
	if partsCount > p.cfg.MaxPartCount {
		logger.InfoLogger().Printf("Log truncated: logID=%s, parts=%d, max=%d",
			logID, partsCount, p.cfg.MaxPartCount)
		partsCount = p.cfg.MaxPartCount
	}

	for part := uint64(0); part < partsCount; part++ {
		begin := part * p.cfg.MaxPartSize
		end := begin + p.cfg.MaxPartSize
		if end > uint64(len(content)) {
			end = uint64(len(content))
		}

		push := model.PushLog{
			LogID:   logID,
			Part:    part + 1,
			Content: content[begin:end],
			Status:  model.LogStatusOK,
		}

		if part == partsCount-1 {
			push.PartsCount = partsCount
		}

		p.sender.SendLog(push)
	}
}

func (p *LogProvider) collectContent(request model.RequestLog, matches []string) ([]byte, error) {
	if len(matches) == 0 && request.Filter.ServiceID != nil {
		return nil, model.NewError(model.ErrNotFound, "no instances match the filter")
	}

	journal, err := p.journalFactory()
	if err != nil {
		return nil, err
	}
	defer journal.Close()

	for i, match := range matches {
		if i > 0 {
			if err := journal.AddDisjunction(); err != nil {
				return nil, err
			}
		}
		if err := journal.AddMatch(match); err != nil {
			return nil, err
		}
	}

	if request.Filter.From != nil {
		if err := journal.SeekRealtime(*request.Filter.From); err != nil {
			return nil, err
		}
	} else {
		if err := journal.SeekHead(); err != nil {
			return nil, err
		}
	}

	var content strings.Builder

	for uint64(content.Len()) < p.cfg.MaxPartSize*p.cfg.MaxPartCount {
		ok, err := journal.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		entry, err := journal.GetEntry()
		if err != nil {
			return nil, err
		}

		if request.Filter.Till != nil && entry.RealTime.After(*request.Filter.Till) {
			break
		}

		fmt.Fprintf(&content, "%s %s %s\n",
			entry.RealTime.Format(time.RFC3339), entry.SystemdUnit, entry.Message)
	}

	return []byte(content.String()), nil
}

// collectCrashContent positions the journal at the request bound, scans
// backward for the crash of the last run and collects that run's entries.
// found is false when no crash marker exists inside the bounds.
func (p *LogProvider) collectCrashContent(request model.RequestLog) (content []byte, found bool, err error) {
	instanceIDs := p.locator.MatchingInstanceIDs(request.Filter.InstanceFilter)
	if len(instanceIDs) == 0 {
		return nil, false, model.NewError(model.ErrNotFound, "no instances match the filter")
	}

	// Unit lifecycle messages come from the supervisor with a UNIT field;
	// the instance's own output carries _SYSTEMD_UNIT.
	matches := make([]string, 0, 2*len(instanceIDs))
	for _, id := range instanceIDs {
		matches = append(matches,
			"UNIT="+runner.UnitName(id),
			"_SYSTEMD_UNIT="+runner.UnitName(id))
	}

	journal, err := p.journalFactory()
	if err != nil {
		return nil, false, err
	}
	defer journal.Close()

	for i, match := range matches {
		if i > 0 {
			if err := journal.AddDisjunction(); err != nil {
				return nil, false, err
			}
		}
		if err := journal.AddMatch(match); err != nil {
			return nil, false, err
		}
	}

	if request.Filter.Till != nil {
		if err := journal.SeekRealtime(*request.Filter.Till); err != nil {
			return nil, false, err
		}
	} else {
		if err := journal.SeekTail(); err != nil {
			return nil, false, err
		}
	}

	crashTime, err := findCrashTime(journal, request.Filter.From)
	if err != nil {
		return nil, false, err
	}

	if crashTime.IsZero() {
		return nil, false, nil
	}

	logger.InfoLogger().Printf("Crash detected: logID=%s, time=%s",
		request.LogID, crashTime.Format(time.RFC3339))

	// The backward scan left the journal at the start of the crashed run;
	// collect forward up to the crash event.
	var builder strings.Builder

	for uint64(builder.Len()) < p.cfg.MaxPartSize*p.cfg.MaxPartCount {
		ok, err := journal.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}

		entry, err := journal.GetEntry()
		if err != nil {
			return nil, false, err
		}

		if entry.RealTime.After(crashTime) {
			break
		}

		fmt.Fprintf(&builder, "%s %s\n", entry.RealTime.Format(time.RFC3339), entry.Message)
	}

	return []byte(builder.String()), true, nil
}

// findCrashTime walks the journal backward looking for the newest
// "process exited" entry, then keeps walking until the "Started" message of
// the same run so the journal ends up positioned at the run boundary. The
// scan never crosses the request's from bound.
func findCrashTime(journal Journal, from *time.Time) (time.Time, error) {
	var crashTime time.Time

	for {
		ok, err := journal.Previous()
		if err != nil {
			return crashTime, err
		}
		if !ok {
			return crashTime, nil
		}

		entry, err := journal.GetEntry()
		if err != nil {
			return crashTime, err
		}

		if from != nil && !entry.RealTime.After(*from) {
			return crashTime, nil
		}

		if crashTime.IsZero() {
			if strings.Contains(entry.Message, crashMessageMarker) {
				crashTime = entry.RealTime
			}
			continue
		}

		if strings.HasPrefix(entry.Message, startMessagePrefix) {
			return crashTime, nil
		}
	}
}
