package networkmanager

import (
	"context"
	"fmt"

	"github.com/containernetworking/cni/libcni"

	"go_service_manager/logger"
)

// CNIConfig parameterises one instance attachment for the plugin runner.
type CNIConfig struct {
	NetworkID  string
	InstanceID string
	NetnsPath  string
	IP         string
	Subnet     string
	VlanID     uint64
}

// CNI delegates interface creation inside the instance namespace to the
// container network plugin runner.
type CNI interface {
	AddNetwork(ctx context.Context, config CNIConfig) error
	RemoveNetwork(ctx context.Context, config CNIConfig) error
}

const (
	cniBinDir   = "/opt/cni/bin"
	cniCacheDir = "/var/lib/cni"
	cniIfName   = "eth0"
)

// cniPlugin runs the bridge plugin chain through libcni.
type cniPlugin struct {
	cni libcni.CNI
}

// NewCNI creates the production CNI adapter.
func NewCNI() CNI {
	return &cniPlugin{cni: libcni.NewCNIConfigWithCacheDir([]string{cniBinDir}, cniCacheDir, nil)}
}

func (p *cniPlugin) AddNetwork(ctx context.Context, config CNIConfig) error {
	networkConfig, runtimeConf, err := p.prepareConfig(config)
	if err != nil {
		return err
	}

	result, err := p.cni.AddNetworkList(ctx, networkConfig, runtimeConf)
	if err != nil {
		return fmt.Errorf("error adding CNI network: %w", err)
	}

	logger.InfoLogger().Printf("CNI network added: instanceID=%s, result=%v", config.InstanceID, result)

	return nil
}

func (p *cniPlugin) RemoveNetwork(ctx context.Context, config CNIConfig) error {
	networkConfig, runtimeConf, err := p.prepareConfig(config)
	if err != nil {
		return err
	}

	if err := p.cni.DelNetworkList(ctx, networkConfig, runtimeConf); err != nil {
		return fmt.Errorf("error removing CNI network: %w", err)
	}

	return nil
}

func (p *cniPlugin) prepareConfig(config CNIConfig) (*libcni.NetworkConfigList, *libcni.RuntimeConf, error) {
	confList := fmt.Sprintf(`{
  "cniVersion": "0.4.0",
  "name": "%s",
  "plugins": [
    {
      "type": "bridge",
      "bridge": "br-%s",
      "isGateway": true,
      "ipMasq": true,
      "ipam": {
        "type": "static",
        "addresses": [{"address": "%s"}]
      }
    },
    {
      "type": "firewall",
      "backend": "iptables"
    }
  ]
}`, config.NetworkID, config.NetworkID, config.IP)

	networkConfig, err := libcni.ConfListFromBytes([]byte(confList))
	if err != nil {
		return nil, nil, fmt.Errorf("error building CNI config: %w", err)
	}

	runtimeConf := &libcni.RuntimeConf{
		ContainerID: config.InstanceID,
		NetNS:       config.NetnsPath,
		IfName:      cniIfName,
	}

	return networkConfig, runtimeConf, nil
}
