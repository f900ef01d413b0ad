package smclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"go_service_manager/launcher"
	"go_service_manager/logger"
	"go_service_manager/model"
)

const (
	publishTimeout    = 5 * time.Second
	outboundQueueSize = 64
	reconnectCapScale = 5
)

// Outbound topic suffixes.
const (
	topicInstanceStatus = "status/instances"
	topicMonitoring     = "status/monitoring"
	topicAlerts         = "status/alerts"
	topicLogs           = "status/logs"
	topicNodeConfig     = "status/nodeconfig"
)

// Config configures the CM connection.
type Config struct {
	NodeID             string
	CMServerURL        string
	CMReconnectTimeout time.Duration
	CertStorage        string
	CACert             string
}

// InstanceHandler applies desired state requests.
type InstanceHandler interface {
	RunInstances(desired launcher.DesiredStatus) error
	OverrideEnvVars(envVars []model.EnvVarsInstanceInfo) error
}

// LogHandler serves log requests.
type LogHandler interface {
	GetSystemLog(request model.RequestLog)
	GetInstanceLog(request model.RequestLog)
	GetInstanceCrashLog(request model.RequestLog)
}

// MonitoringHandler serves on-demand monitoring requests.
type MonitoringHandler interface {
	Poll() model.NodeMonitoringData
}

// NetworkHandler applies provider network updates.
type NetworkHandler interface {
	UpdateNetworks(networks []model.NetworkParameters) error
}

// NodeConfigProvider reports the node config status on connect.
type NodeConfigProvider interface {
	GetNodeConfigStatus() (string, error)
}

type runInstancesMessage struct {
	Services     []model.ServiceInfo  `json:"services"`
	Layers       []model.LayerInfo    `json:"layers"`
	Instances    []model.InstanceInfo `json:"instances"`
	ForceRestart bool                 `json:"forceRestart"`
}

type alertMessage struct {
	Tag     model.AlertTag `json:"tag"`
	Payload interface{}    `json:"payload"`
}

type outMessage struct {
	topic   string
	payload []byte
}

// SMClient is the long-lived bidirectional channel to the communication
// manager. Outbound run status, alerts and logs are loss-less; monitoring
// samples coalesce to the newest.
type SMClient struct {
	cfg Config

	instanceHandler    InstanceHandler
	logHandler         LogHandler
	monitoringHandler  MonitoringHandler
	networkHandler     NetworkHandler
	nodeConfigProvider NodeConfigProvider

	client         mqtt.Client
	topics         map[string]mqtt.MessageHandler
	outQueue       chan outMessage
	monitoringSlot chan model.NodeMonitoringData

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates the client and starts connecting with exponential backoff.
func New(cfg Config, instanceHandler InstanceHandler, logHandler LogHandler,
	monitoringHandler MonitoringHandler, networkHandler NetworkHandler,
	nodeConfigProvider NodeConfigProvider) (*SMClient, error) {
	client := &SMClient{
		cfg:                cfg,
		instanceHandler:    instanceHandler,
		logHandler:         logHandler,
		monitoringHandler:  monitoringHandler,
		networkHandler:     networkHandler,
		nodeConfigProvider: nodeConfigProvider,
		outQueue:           make(chan outMessage, outboundQueueSize),
		monitoringSlot:     make(chan model.NodeMonitoringData, 1),
		stopChan:           make(chan struct{}),
	}

	client.topics = map[string]mqtt.MessageHandler{
		client.controlTopic("runInstances"):        client.runInstancesHandler,
		client.controlTopic("overrideEnvVars"):     client.overrideEnvVarsHandler,
		client.controlTopic("updateNetworks"):      client.updateNetworksHandler,
		client.controlTopic("getSystemLog"):        client.logHandlerFor(logHandler.GetSystemLog),
		client.controlTopic("getInstanceLog"):      client.logHandlerFor(logHandler.GetInstanceLog),
		client.controlTopic("getInstanceCrashLog"): client.logHandlerFor(logHandler.GetInstanceCrashLog),
		client.controlTopic("getNodeMonitoring"):   client.nodeMonitoringHandler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.CMServerURL)
	opts.SetClientID("aos-sm-" + cfg.NodeID)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.CMReconnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(reconnectCapScale * cfg.CMReconnectTimeout)
	opts.OnConnect = client.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.ErrorLogger().Printf("CM connection lost: %v", err)
	}

	if strings.HasPrefix(cfg.CMServerURL, "ssl://") || strings.HasPrefix(cfg.CMServerURL, "tls://") {
		tlsConfig, err := client.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client.client = mqtt.NewClient(opts)

	if token := client.client.Connect(); token.Error() != nil {
		return nil, fmt.Errorf("error connecting to CM: %w", token.Error())
	}

	go client.writeLoop()

	return client, nil
}

// Stop disconnects from CM.
func (c *SMClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.client.Disconnect(uint(publishTimeout.Milliseconds()))
}

/***********************************************************************************************************************
 * Outbound
 **********************************************************************************************************************/

// SendInstanceStatus queues an instance status batch. Loss-less.
func (c *SMClient) SendInstanceStatus(statuses []model.InstanceStatus) {
	c.enqueueJSON(topicInstanceStatus, statuses)
}

// SendMonitoringData queues a monitoring sample, coalescing to the newest.
func (c *SMClient) SendMonitoringData(data model.NodeMonitoringData) {
	for {
		select {
		case c.monitoringSlot <- data:
			return
		default:
			select {
			case <-c.monitoringSlot:
			default:
			}
		}
	}
}

// SendAlert queues an alert. Loss-less.
func (c *SMClient) SendAlert(alert model.Alert) {
	c.enqueueJSON(topicAlerts, alertMessage{Tag: alert.Tag(), Payload: alert})
}

// SendLog queues a log part. Loss-less.
func (c *SMClient) SendLog(part model.PushLog) {
	c.enqueueJSON(topicLogs, part)
}

func (c *SMClient) enqueueJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorLogger().Printf("Can't marshal outbound message: %v", err)
		return
	}

	select {
	case c.outQueue <- outMessage{topic: topic, payload: data}:
	case <-c.stopChan:
	}
}

func (c *SMClient) writeLoop() {
	for {
		select {
		case <-c.stopChan:
			return

		case message := <-c.outQueue:
			c.publish(message.topic, message.payload, true)

		case data := <-c.monitoringSlot:
			payload, err := json.Marshal(data)
			if err != nil {
				logger.ErrorLogger().Printf("Can't marshal monitoring data: %v", err)
				continue
			}
			c.publish(topicMonitoring, payload, false)
		}
	}
}

// publish delivers one message. Loss-less messages are retried until the
// broker accepts them or the client stops.
func (c *SMClient) publish(topicSuffix string, payload []byte, lossless bool) {
	topic := fmt.Sprintf("sm/%s/%s", c.cfg.NodeID, topicSuffix)

	for {
		token := c.client.Publish(topic, 1, false, payload)

		if token.WaitTimeout(publishTimeout) && token.Error() == nil {
			return
		}

		logger.ErrorLogger().Printf("Publish to %s failed: %v", topic, token.Error())

		if !lossless {
			return
		}

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.cfg.CMReconnectTimeout):
		}
	}
}

/***********************************************************************************************************************
 * Inbound
 **********************************************************************************************************************/

func (c *SMClient) controlTopic(kind string) string {
	return fmt.Sprintf("sm/%s/control/%s", c.cfg.NodeID, kind)
}

func (c *SMClient) onConnect(client mqtt.Client) {
	logger.InfoLogger().Println("Connected to the CM broker")

	topicsQosMap := make(map[string]byte, len(c.topics))
	for topic := range c.topics {
		topicsQosMap[topic] = 1
	}

	token := client.SubscribeMultiple(topicsQosMap, c.dispatchMessage)
	token.Wait()

	logger.InfoLogger().Printf("Subscribed to CM control topics")

	c.sendNodeConfigStatus()
}

func (c *SMClient) dispatchMessage(client mqtt.Client, msg mqtt.Message) {
	for topic, handler := range c.topics {
		if msg.Topic() == topic {
			handler(client, msg)
			return
		}
	}

	logger.InfoLogger().Printf("Unhandled message on topic %s", msg.Topic())
}

func (c *SMClient) runInstancesHandler(_ mqtt.Client, msg mqtt.Message) {
	logger.InfoLogger().Printf("Received run instances request")

	var request runInstancesMessage

	if err := json.Unmarshal(msg.Payload(), &request); err != nil {
		logger.ErrorLogger().Printf("Can't unmarshal run instances request: %v", err)
		return
	}

	go func() {
		if err := c.instanceHandler.RunInstances(launcher.DesiredStatus{
			Services:     request.Services,
			Layers:       request.Layers,
			Instances:    request.Instances,
			ForceRestart: request.ForceRestart,
		}); err != nil {
			logger.ErrorLogger().Printf("Error running instances: %v", err)
		}
	}()
}

func (c *SMClient) overrideEnvVarsHandler(_ mqtt.Client, msg mqtt.Message) {
	var envVars []model.EnvVarsInstanceInfo

	if err := json.Unmarshal(msg.Payload(), &envVars); err != nil {
		logger.ErrorLogger().Printf("Can't unmarshal env vars request: %v", err)
		return
	}

	go func() {
		if err := c.instanceHandler.OverrideEnvVars(envVars); err != nil {
			logger.ErrorLogger().Printf("Error overriding env vars: %v", err)
		}
	}()
}

func (c *SMClient) updateNetworksHandler(_ mqtt.Client, msg mqtt.Message) {
	var networks []model.NetworkParameters

	if err := json.Unmarshal(msg.Payload(), &networks); err != nil {
		logger.ErrorLogger().Printf("Can't unmarshal update networks request: %v", err)
		return
	}

	if err := c.networkHandler.UpdateNetworks(networks); err != nil {
		logger.ErrorLogger().Printf("Error updating networks: %v", err)
	}
}

func (c *SMClient) logHandlerFor(serve func(model.RequestLog)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var request model.RequestLog

		if err := json.Unmarshal(msg.Payload(), &request); err != nil {
			logger.ErrorLogger().Printf("Can't unmarshal log request: %v", err)
			return
		}

		serve(request)
	}
}

func (c *SMClient) nodeMonitoringHandler(_ mqtt.Client, _ mqtt.Message) {
	c.SendMonitoringData(c.monitoringHandler.Poll())
}

func (c *SMClient) sendNodeConfigStatus() {
	version, err := c.nodeConfigProvider.GetNodeConfigStatus()

	status := struct {
		Version string           `json:"version"`
		Error   *model.ErrorInfo `json:"errorInfo,omitempty"`
	}{Version: version, Error: model.ErrorInfoFromErr(err)}

	c.enqueueJSON(topicNodeConfig, status)
}

func (c *SMClient) tlsConfig() (*tls.Config, error) {
	caCert, err := os.ReadFile(c.cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("error reading CA cert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("invalid CA cert %s", c.cfg.CACert)
	}

	cert, err := tls.LoadX509KeyPair(
		filepath.Join(c.cfg.CertStorage, "client.pem"),
		filepath.Join(c.cfg.CertStorage, "client.key"))
	if err != nil {
		return nil, fmt.Errorf("error loading client cert: %w", err)
	}

	return &tls.Config{RootCAs: pool, Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
