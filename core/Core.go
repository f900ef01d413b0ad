package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coreos/go-iptables/iptables"

	"go_service_manager/alerts"
	"go_service_manager/bundle"
	"go_service_manager/config"
	"go_service_manager/database"
	"go_service_manager/imagehandler"
	"go_service_manager/launcher"
	"go_service_manager/layermanager"
	"go_service_manager/logger"
	"go_service_manager/logprovider"
	"go_service_manager/model"
	"go_service_manager/monitoring"
	"go_service_manager/networkmanager"
	"go_service_manager/requests"
	"go_service_manager/resourcemanager"
	"go_service_manager/runner"
	"go_service_manager/servicemanager"
	"go_service_manager/smclient"
)

// Core wires the service manager components and owns their shutdown order.
type Core struct {
	mu       sync.Mutex
	cleanups []func()

	SMClient *smclient.SMClient
	Launcher *launcher.Launcher
}

// New composes the service manager from the configuration. Components are
// created leaves first; their cleanups run in reverse order on Stop.
func New(cfg *config.Config) (core *Core, err error) {
	composed := &Core{}
	core = composed

	defer func() {
		if err != nil {
			composed.Stop()
		}
	}()

	nodeID, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("error getting node id: %w", err)
	}

	db, err := database.New(cfg.WorkingDir, cfg.Migration.MigrationPath, cfg.Migration.MergedMigrationPath)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(func() { db.Close() })

	relay := &smRelay{}
	dispatcher := &alertDispatcher{relay: relay}

	resourceMgr, err := resourcemanager.New(cfg.NodeConfigFile, dispatcher)
	if err != nil {
		return nil, err
	}

	downloader := requests.NewDownloader()
	imageHandler := imagehandler.New()

	serviceMgr, err := servicemanager.New(servicemanager.Config{
		ServicesDir:          cfg.ServicesDir,
		DownloadDir:          cfg.DownloadDir,
		PartLimit:            cfg.ServicesPartLimit,
		TTL:                  cfg.ServiceTTL.Duration,
		RemoveOutdatedPeriod: cfg.RemoveOutdatedPeriod.Duration,
	}, db, downloader, imageHandler, dispatcher)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(serviceMgr.Stop)

	layerMgr, err := layermanager.New(layermanager.Config{
		LayersDir:            cfg.LayersDir,
		DownloadDir:          cfg.DownloadDir,
		PartLimit:            cfg.LayersPartLimit,
		TTL:                  cfg.LayerTTL.Duration,
		RemoveOutdatedPeriod: cfg.RemoveOutdatedPeriod.Duration,
	}, db, downloader, imageHandler)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(layerMgr.Stop)

	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("error initializing iptables: %w", err)
	}

	traffic, err := networkmanager.NewTrafficMonitor(db, ipt, 0)
	if err != nil {
		return nil, err
	}
	traffic.Start()
	core.pushCleanup(func() {
		if err := traffic.Stop(); err != nil {
			logger.ErrorLogger().Printf("Error stopping traffic monitor: %v", err)
		}
	})

	netMgr, err := networkmanager.New(db, networkmanager.NewCNI(), networkmanager.NewHostNetns(),
		ipt, traffic, cfg.WorkingDir)
	if err != nil {
		return nil, err
	}

	systemd, err := runner.NewSystemdConn()
	if err != nil {
		return nil, err
	}

	statusProxy := &runStatusProxy{}

	instanceRunner := runner.New(systemd, statusProxy, "")
	core.pushCleanup(instanceRunner.Stop)

	assembler, err := bundle.NewAssembler(filepath.Join(cfg.WorkingDir, "runtime"))
	if err != nil {
		return nil, err
	}

	launch, err := launcher.New(launcher.Config{
		WorkingDir: cfg.WorkingDir,
		StorageDir: cfg.Launcher.StorageDir,
		StateDir:   cfg.Launcher.StateDir,
		RuntimeDir: filepath.Join(cfg.WorkingDir, "runtime"),
		HostBinds:  cfg.Launcher.HostBinds,
		Hosts:      launcherHosts(cfg.Launcher.Hosts),
	}, db, serviceMgr, layerMgr, netMgr, instanceRunner, resourceMgr, assembler,
		bundle.NewOverlayMounter(), relay)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(launch.Stop)

	statusProxy.set(launch)
	dispatcher.setLauncher(launch)
	core.Launcher = launch

	monitor := monitoring.New(monitoring.Config{
		PollPeriod:    cfg.Monitoring.PollPeriod.Duration,
		AverageWindow: cfg.Monitoring.AverageWindow.Duration,
		Partitions:    resourceMgr.NodeConfig().Partitions,
	}, resourceMgr.NodeConfig().AlertRules, nil, launch, instanceRunner, traffic, dispatcher, relay)
	monitor.Start()
	core.pushCleanup(monitor.Stop)

	logProvider := logprovider.New(logprovider.Config{
		MaxPartSize:  cfg.Logging.MaxPartSize,
		MaxPartCount: cfg.Logging.MaxPartCount,
	}, logprovider.NewSdJournal, launch, relay)

	journalAlerts, err := alerts.New(alerts.Config{
		Filter:               cfg.JournalAlerts.Filter,
		ServiceAlertPriority: cfg.JournalAlerts.ServiceAlertPriority,
		SystemAlertPriority:  cfg.JournalAlerts.SystemAlertPriority,
	}, logprovider.NewSdJournal, db, launch, dispatcher)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(journalAlerts.Stop)

	smClient, err := smclient.New(smclient.Config{
		NodeID:             nodeID,
		CMServerURL:        cfg.SMClient.CMServerURL,
		CMReconnectTimeout: cfg.SMClient.CMReconnectTimeout.Duration,
		CertStorage:        cfg.CertStorage,
		CACert:             cfg.CACert,
	}, launch, logProvider, monitor, netMgr, resourceMgr)
	if err != nil {
		return nil, err
	}
	core.pushCleanup(smClient.Stop)

	relay.set(smClient)
	core.SMClient = smClient

	logger.InfoLogger().Printf("Service manager started: nodeID=%s, workingDir=%s", nodeID, cfg.WorkingDir)

	return core, nil
}

// Stop shuts components down in reverse start order.
func (c *Core) Stop() {
	c.mu.Lock()
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func (c *Core) pushCleanup(cleanup func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanups = append(c.cleanups, cleanup)
}

func launcherHosts(hosts []config.Host) []model.Host {
	result := make([]model.Host, 0, len(hosts))
	for _, host := range hosts {
		result = append(result, model.Host{IP: host.IP, Hostname: host.Hostname})
	}
	return result
}

/***********************************************************************************************************************
 * Late bound glue
 **********************************************************************************************************************/

// smRelay forwards outbound messages to the SM client once it exists.
// Messages sent before the client is up are dropped; only dropped alerts
// are logged.
type smRelay struct {
	mu     sync.Mutex
	client *smclient.SMClient
}

func (r *smRelay) set(client *smclient.SMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.client = client
}

func (r *smRelay) get() *smclient.SMClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.client
}

func (r *smRelay) SendInstanceStatus(statuses []model.InstanceStatus) {
	if client := r.get(); client != nil {
		client.SendInstanceStatus(statuses)
	}
}

func (r *smRelay) SendMonitoringData(data model.NodeMonitoringData) {
	if client := r.get(); client != nil {
		client.SendMonitoringData(data)
	}
}

func (r *smRelay) SendAlert(alert model.Alert) {
	if client := r.get(); client != nil {
		client.SendAlert(alert)
	} else {
		logger.InfoLogger().Printf("Dropping alert before CM connection: tag=%s", alert.Tag())
	}
}

func (r *smRelay) SendLog(part model.PushLog) {
	if client := r.get(); client != nil {
		client.SendLog(part)
	}
}

// alertDispatcher fans alerts out to CM and to the launcher's quota hook.
type alertDispatcher struct {
	mu       sync.Mutex
	relay    *smRelay
	launcher *launcher.Launcher
}

func (d *alertDispatcher) setLauncher(l *launcher.Launcher) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.launcher = l
}

func (d *alertDispatcher) SendAlert(alert model.Alert) {
	d.mu.Lock()
	l := d.launcher
	d.mu.Unlock()

	if quotaAlert, ok := alert.(model.InstanceQuotaAlert); ok && l != nil {
		l.OnInstanceQuotaAlert(quotaAlert)
	}

	d.relay.SendAlert(alert)
}

// runStatusProxy breaks the runner/launcher cycle with a late bound
// non-owning reference.
type runStatusProxy struct {
	mu     sync.Mutex
	target runner.RunStatusReceiver
}

func (p *runStatusProxy) set(target runner.RunStatusReceiver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.target = target
}

func (p *runStatusProxy) UpdateRunStatus(statuses []model.RunStatus) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()

	if target != nil {
		target.UpdateRunStatus(statuses)
	}
}
