// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"
)

// MachineState reports the observed (or, in check mode, projected)
// state of a virtual machine.
type MachineState struct {
	ID                string                  `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string                  `json:"name" yaml:"name"`
	Location          string                  `json:"location,omitempty" yaml:"location,omitempty"`
	VMSize            string                  `json:"vm_size,omitempty" yaml:"vm_size,omitempty"`
	PowerState        string                  `json:"power_state,omitempty" yaml:"power_state,omitempty"`
	ProvisioningState string                  `json:"provisioning_state,omitempty" yaml:"provisioning_state,omitempty"`
	Image             *Image                  `json:"image,omitempty" yaml:"image,omitempty"`
	OSDiskCaching     string                  `json:"os_disk_caching,omitempty" yaml:"os_disk_caching,omitempty"`
	VHDURI            string                  `json:"vhd_uri,omitempty" yaml:"vhd_uri,omitempty"`
	AdminUsername     string                  `json:"admin_username,omitempty" yaml:"admin_username,omitempty"`
	ShortHostname     string                  `json:"short_hostname,omitempty" yaml:"short_hostname,omitempty"`
	NetworkInterfaces []NetworkInterfaceState `json:"network_interfaces,omitempty" yaml:"network_interfaces,omitempty"`
	Tags              map[string]string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NetworkInterfaceState reports one attached network interface.
type NetworkInterfaceState struct {
	Name             string                 `json:"name" yaml:"name"`
	Primary          bool                   `json:"primary,omitempty" yaml:"primary,omitempty"`
	IPConfigurations []IPConfigurationState `json:"ip_configurations,omitempty" yaml:"ip_configurations,omitempty"`
}

// IPConfigurationState reports one IP configuration of an interface.
type IPConfigurationState struct {
	Name                      string         `json:"name" yaml:"name"`
	PrivateIPAddress          string         `json:"private_ip_address,omitempty" yaml:"private_ip_address,omitempty"`
	PrivateIPAllocationMethod string         `json:"private_ip_allocation_method,omitempty" yaml:"private_ip_allocation_method,omitempty"`
	PublicIPAddress           *PublicIPState `json:"public_ip_address,omitempty" yaml:"public_ip_address,omitempty"`
}

// PublicIPState reports a public IP address bound to an interface.
type PublicIPState struct {
	Name             string `json:"name" yaml:"name"`
	IPAddress        string `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	AllocationMethod string `json:"allocation_method,omitempty" yaml:"allocation_method,omitempty"`
}

// report serializes the machine, resolving its network interfaces and
// their public IP addresses.
func (r *Reconciler) report(ctx context.Context, machine *armcompute.VirtualMachine) (*MachineState, error) {
	props := currentProperties(machine)
	state := &MachineState{
		ID:                toValue(machine.ID),
		Name:              toValue(machine.Name),
		Location:          toValue(machine.Location),
		VMSize:            vmSize(machine),
		PowerState:        powerState(machine),
		ProvisioningState: toValue(props.ProvisioningState),
		Tags:              fromTags(machine.Tags),
	}
	profile := storageProfile(props)
	if ref := profile.ImageReference; ref != nil {
		state.Image = &Image{
			Publisher: toValue(ref.Publisher),
			Offer:     toValue(ref.Offer),
			SKU:       toValue(ref.SKU),
			Version:   toValue(ref.Version),
		}
	}
	if disk := profile.OSDisk; disk != nil {
		state.OSDiskCaching = string(toValue(disk.Caching))
		if disk.Vhd != nil {
			state.VHDURI = toValue(disk.Vhd.URI)
		}
	}
	if osProfile := props.OSProfile; osProfile != nil {
		state.AdminUsername = toValue(osProfile.AdminUsername)
		state.ShortHostname = toValue(osProfile.ComputerName)
	}
	if props.NetworkProfile != nil {
		for _, ref := range props.NetworkProfile.NetworkInterfaces {
			if ref == nil || ref.ID == nil {
				continue
			}
			nicState, err := r.reportInterface(ctx, ref)
			if err != nil {
				return nil, errors.Trace(err)
			}
			state.NetworkInterfaces = append(state.NetworkInterfaces, *nicState)
		}
	}
	return state, nil
}

func (r *Reconciler) reportInterface(ctx context.Context, ref *armcompute.NetworkInterfaceReference) (*NetworkInterfaceState, error) {
	id, err := arm.ParseResourceID(*ref.ID)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing network interface ID %q", *ref.ID)
	}
	resp, err := r.Clients.Interfaces.Get(ctx, id.ResourceGroupName, id.Name, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "getting network interface %q", id.Name)
	}
	state := &NetworkInterfaceState{Name: id.Name}
	if ref.Properties != nil {
		state.Primary = toValue(ref.Properties.Primary)
	}
	if resp.Properties == nil {
		return state, nil
	}
	for _, ipConfig := range resp.Properties.IPConfigurations {
		if ipConfig == nil {
			continue
		}
		configState := IPConfigurationState{Name: toValue(ipConfig.Name)}
		if ipConfig.Properties != nil {
			configState.PrivateIPAddress = toValue(ipConfig.Properties.PrivateIPAddress)
			configState.PrivateIPAllocationMethod = string(toValue(ipConfig.Properties.PrivateIPAllocationMethod))
			if pip := ipConfig.Properties.PublicIPAddress; pip != nil && pip.ID != nil {
				pipState, err := r.reportPublicIP(ctx, *pip.ID)
				if err != nil {
					return nil, errors.Trace(err)
				}
				configState.PublicIPAddress = pipState
			}
		}
		state.IPConfigurations = append(state.IPConfigurations, configState)
	}
	return state, nil
}

func (r *Reconciler) reportPublicIP(ctx context.Context, pipID string) (*PublicIPState, error) {
	id, err := arm.ParseResourceID(pipID)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing public IP address ID %q", pipID)
	}
	resp, err := r.Clients.PublicIPAddresses.Get(ctx, id.ResourceGroupName, id.Name, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "getting public IP address %q", id.Name)
	}
	state := &PublicIPState{Name: id.Name}
	if resp.Properties != nil {
		state.IPAddress = toValue(resp.Properties.IPAddress)
		state.AllocationMethod = string(toValue(resp.Properties.PublicIPAllocationMethod))
	}
	return state, nil
}
