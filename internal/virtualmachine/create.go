// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/juju/errors"

	"github.com/juju/azrm/internal/errorutils"
	"github.com/juju/azrm/internal/reconcile"
)

// create brings a new virtual machine into existence, together with
// any supporting resources not declared explicitly: a network
// interface with a public IP and security group, and the storage
// account holding the OS disk VHD.
func (r *Reconciler) create(ctx context.Context, args Args) (*Outcome, error) {
	if args.AdminUsername == "" {
		return nil, errors.NewNotValid(nil, "admin_username is required when creating a virtual machine")
	}
	if args.Image == nil {
		return nil, errors.NewNotValid(nil, "image is required when creating a virtual machine")
	}
	if args.SSHPasswordEnabled && args.AdminPassword == "" {
		return nil, errors.NewNotValid(nil, "admin_password is required when password authentication is enabled")
	}
	if args.OSType == "Linux" && !args.SSHPasswordEnabled && len(args.SSHPublicKeys) == 0 {
		return nil, errors.NewNotValid(nil, "ssh_public_keys is required when password authentication is disabled")
	}

	outcome := &Outcome{
		Changed:          true,
		CheckMode:        r.CheckMode,
		Differences:      []string{"state"},
		PowerStateChange: PowerStateNone,
	}
	if args.State == reconcile.Stopped {
		// A freshly created machine boots running.
		outcome.PowerStateChange = PowerStateOff
	}
	if r.CheckMode {
		outcome.State = &MachineState{
			Name:          args.Name,
			Location:      args.Location,
			VMSize:        args.VMSize,
			Image:         args.Image,
			OSDiskCaching: args.OSDiskCaching,
			AdminUsername: args.AdminUsername,
			Tags:          args.Tags,
		}
		return outcome, nil
	}

	location, err := r.location(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.resolveImageVersion(ctx, &args, location); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.validateVMSize(ctx, location, args.VMSize); err != nil {
		return nil, errors.Trace(err)
	}

	var actions reconcile.ActionLog
	var nicIDs []string
	if len(args.NetworkInterfaceNames) > 0 {
		if nicIDs, err = r.resolveNetworkInterfaces(ctx, args); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		nicID, err := r.defaultNetworkInterface(ctx, args, location, &actions)
		if err != nil {
			return nil, errors.Trace(err)
		}
		nicIDs = []string{nicID}
	}

	vhdURI, err := r.storageVHDURI(ctx, args, location, &actions)
	if err != nil {
		return nil, errors.Trace(err)
	}

	logger.Debugf("creating virtual machine %q in %q", args.Name, location)
	params := newMachineParams(args, location, nicIDs, vhdURI)
	if _, err := r.createOrUpdate(ctx, args, params); err != nil {
		return nil, errors.Trace(err)
	}
	actions.Addf("Created VM %s", args.Name)

	if err := r.applyPowerChange(ctx, args, outcome.PowerStateChange, &actions); err != nil {
		return nil, errors.Trace(err)
	}
	outcome.Actions = actions

	final, err := r.fetch(ctx, args.ResourceGroup, args.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if outcome.State, err = r.report(ctx, final); err != nil {
		return nil, errors.Trace(err)
	}
	return outcome, nil
}

func newMachineParams(args Args, location string, nicIDs []string, vhdURI string) armcompute.VirtualMachine {
	hostname := args.ShortHostname
	if hostname == "" {
		hostname = args.Name
	}
	osProfile := &armcompute.OSProfile{
		ComputerName:  to.Ptr(hostname),
		AdminUsername: to.Ptr(args.AdminUsername),
	}
	if args.AdminPassword != "" {
		osProfile.AdminPassword = to.Ptr(args.AdminPassword)
	}
	if args.OSType == "Linux" {
		linux := &armcompute.LinuxConfiguration{
			DisablePasswordAuthentication: to.Ptr(!args.SSHPasswordEnabled),
		}
		if len(args.SSHPublicKeys) > 0 {
			keys := make([]*armcompute.SSHPublicKey, len(args.SSHPublicKeys))
			for i, key := range args.SSHPublicKeys {
				keys[i] = &armcompute.SSHPublicKey{
					Path:    to.Ptr(key.Path),
					KeyData: to.Ptr(key.KeyData),
				}
			}
			linux.SSH = &armcompute.SSHConfiguration{PublicKeys: keys}
		}
		osProfile.LinuxConfiguration = linux
	}
	return armcompute.VirtualMachine{
		Location: to.Ptr(location),
		Tags:     toTags(args.Tags),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(args.VMSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: imageReference(args.Image),
				OSDisk: &armcompute.OSDisk{
					Name:         to.Ptr(args.Name),
					Vhd:          &armcompute.VirtualHardDisk{URI: to.Ptr(vhdURI)},
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					Caching:      to.Ptr(armcompute.CachingTypes(args.OSDiskCaching)),
				},
			},
			OSProfile:      osProfile,
			NetworkProfile: networkInterfaceProfile(nicIDs),
		},
	}
}

// defaultNetworkInterface returns the ID of the machine's default
// network interface, creating it along with a public IP address and
// security group when it does not already exist.
func (r *Reconciler) defaultNetworkInterface(ctx context.Context, args Args, location string, actions *reconcile.ActionLog) (string, error) {
	nicName := defaultResourceName(args.Name)
	existing, err := r.Clients.Interfaces.Get(ctx, args.ResourceGroup, nicName, nil)
	if err == nil {
		return toValue(existing.Interface.ID), nil
	}
	if !errorutils.IsNotFoundError(err) {
		return "", errors.Annotatef(err, "getting network interface %q", nicName)
	}

	subnetID, err := r.defaultSubnetID(ctx, args)
	if err != nil {
		return "", errors.Trace(err)
	}
	pipID, err := r.defaultPublicIPAddress(ctx, args, location, actions)
	if err != nil {
		return "", errors.Trace(err)
	}
	nsgID, err := r.defaultSecurityGroup(ctx, args, location, actions)
	if err != nil {
		return "", errors.Trace(err)
	}

	ipConfig := &armnetwork.InterfaceIPConfiguration{
		Name: to.Ptr("default"),
		Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
			Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnetID)},
			PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
		},
	}
	if pipID != "" {
		ipConfig.Properties.PublicIPAddress = &armnetwork.PublicIPAddress{ID: to.Ptr(pipID)}
	}
	params := armnetwork.Interface{
		Location: to.Ptr(location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			NetworkSecurityGroup: &armnetwork.SecurityGroup{ID: to.Ptr(nsgID)},
			IPConfigurations:     []*armnetwork.InterfaceIPConfiguration{ipConfig},
		},
	}
	poller, err := r.Clients.Interfaces.BeginCreateOrUpdate(ctx, args.ResourceGroup, nicName, params, nil)
	var result armnetwork.InterfacesClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return "", errors.Annotatef(err, "creating network interface %q", nicName)
	}
	actions.Addf("Created default network interface %s", nicName)
	return toValue(result.Interface.ID), nil
}

// defaultSubnetID picks the subnet for an auto-created network
// interface: the named one, or the first subnet of the named (or
// only) virtual network in the resource group.
func (r *Reconciler) defaultSubnetID(ctx context.Context, args Args) (string, error) {
	virtualNetworkName := args.VirtualNetworkName
	if virtualNetworkName == "" {
		pager := r.Clients.VirtualNetworks.NewListPager(args.ResourceGroup, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return "", errors.Annotatef(err, "listing virtual networks in resource group %q", args.ResourceGroup)
			}
			for _, network := range page.Value {
				if network != nil && network.Name != nil {
					virtualNetworkName = *network.Name
					break
				}
			}
			if virtualNetworkName != "" {
				break
			}
		}
		if virtualNetworkName == "" {
			return "", errors.NotFoundf("virtual network in resource group %q", args.ResourceGroup)
		}
	}
	if args.SubnetName != "" {
		resp, err := r.Clients.Subnets.Get(ctx, args.ResourceGroup, virtualNetworkName, args.SubnetName, nil)
		if err != nil {
			return "", errors.Annotatef(err, "getting subnet %q of virtual network %q", args.SubnetName, virtualNetworkName)
		}
		return toValue(resp.Subnet.ID), nil
	}
	resp, err := r.Clients.VirtualNetworks.Get(ctx, args.ResourceGroup, virtualNetworkName, nil)
	if err != nil {
		return "", errors.Annotatef(err, "getting virtual network %q", virtualNetworkName)
	}
	if resp.Properties == nil || len(resp.Properties.Subnets) == 0 {
		return "", errors.NotFoundf("subnet in virtual network %q", virtualNetworkName)
	}
	return toValue(resp.Properties.Subnets[0].ID), nil
}

func (r *Reconciler) defaultPublicIPAddress(ctx context.Context, args Args, location string, actions *reconcile.ActionLog) (string, error) {
	if args.PublicIPAllocationMethod == "Disabled" {
		return "", nil
	}
	pipName := defaultResourceName(args.Name)
	existing, err := r.Clients.PublicIPAddresses.Get(ctx, args.ResourceGroup, pipName, nil)
	if err == nil {
		return toValue(existing.PublicIPAddress.ID), nil
	}
	if !errorutils.IsNotFoundError(err) {
		return "", errors.Annotatef(err, "getting public IP address %q", pipName)
	}
	params := armnetwork.PublicIPAddress{
		Location: to.Ptr(location),
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethod(args.PublicIPAllocationMethod)),
		},
	}
	poller, err := r.Clients.PublicIPAddresses.BeginCreateOrUpdate(ctx, args.ResourceGroup, pipName, params, nil)
	var result armnetwork.PublicIPAddressesClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return "", errors.Annotatef(err, "creating public IP address %q", pipName)
	}
	actions.Addf("Created default public IP address %s", pipName)
	return toValue(result.PublicIPAddress.ID), nil
}

func (r *Reconciler) defaultSecurityGroup(ctx context.Context, args Args, location string, actions *reconcile.ActionLog) (string, error) {
	nsgName := defaultResourceName(args.Name)
	existing, err := r.Clients.SecurityGroups.Get(ctx, args.ResourceGroup, nsgName, nil)
	if err == nil {
		return toValue(existing.SecurityGroup.ID), nil
	}
	if !errorutils.IsNotFoundError(err) {
		return "", errors.Annotatef(err, "getting security group %q", nsgName)
	}
	params := armnetwork.SecurityGroup{
		Location: to.Ptr(location),
		Properties: &armnetwork.SecurityGroupPropertiesFormat{
			SecurityRules: defaultSecurityRules(args),
		},
	}
	poller, err := r.Clients.SecurityGroups.BeginCreateOrUpdate(ctx, args.ResourceGroup, nsgName, params, nil)
	var result armnetwork.SecurityGroupsClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return "", errors.Annotatef(err, "creating security group %q", nsgName)
	}
	actions.Addf("Created default security group %s", nsgName)
	return toValue(result.SecurityGroup.ID), nil
}

// defaultSecurityRules opens the inbound port appropriate for the OS
// on an auto-created security group: the RDP port for Windows, the
// SSH port otherwise.
func defaultSecurityRules(args Args) []*armnetwork.SecurityRule {
	name := "SSH"
	if args.OSType == "Windows" {
		name = "RDP"
	}
	return []*armnetwork.SecurityRule{{
		Name: to.Ptr(name),
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
			SourceAddressPrefix:      to.Ptr("*"),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr("*"),
			DestinationPortRange:     to.Ptr(fmt.Sprint(args.inboundPort())),
			Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
			Priority:                 to.Ptr(int32(100)),
		},
	}}
}

// storageVHDURI returns the URI of the blob that will hold the OS
// disk. A declared storage account must exist; otherwise a default
// account derived from the machine name is created on demand.
func (r *Reconciler) storageVHDURI(ctx context.Context, args Args, location string, actions *reconcile.ActionLog) (string, error) {
	account := args.StorageAccountName
	if account != "" {
		if _, err := r.Clients.StorageAccounts.GetProperties(ctx, args.ResourceGroup, account, nil); err != nil {
			if errorutils.IsNotFoundError(err) {
				return "", errors.NotFoundf("storage account %q", account)
			}
			return "", errors.Annotatef(err, "getting storage account %q", account)
		}
	} else {
		account = defaultStorageAccountName(args.Name)
		_, err := r.Clients.StorageAccounts.GetProperties(ctx, args.ResourceGroup, account, nil)
		if errorutils.IsNotFoundError(err) {
			err = r.createStorageAccount(ctx, args.ResourceGroup, account, location)
			if err == nil {
				actions.Addf("Created default storage account %s", account)
			}
		}
		if err != nil {
			return "", errors.Trace(err)
		}
	}
	return reconcile.BlobLocation{
		Account:   account,
		Container: args.StorageContainerName,
		Blob:      args.StorageBlobName,
	}.URI(), nil
}

func (r *Reconciler) createStorageAccount(ctx context.Context, resourceGroup, account, location string) error {
	logger.Debugf("creating storage account %q in %q", account, location)
	params := armstorage.AccountCreateParameters{
		Location: to.Ptr(location),
		Kind:     to.Ptr(armstorage.KindStorage),
		SKU:      &armstorage.SKU{Name: to.Ptr(armstorage.SKUNameStandardLRS)},
	}
	poller, err := r.Clients.StorageAccounts.BeginCreate(ctx, resourceGroup, account, params, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return errors.Annotatef(err, "creating storage account %q", account)
	}
	return nil
}

// defaultStorageAccountName derives a storage account name from the
// machine name. Account names allow only lowercase letters and
// digits, at most 24 of them.
func defaultStorageAccountName(machineName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(machineName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	base := b.String()
	if len(base) > 22 {
		base = base[:22]
	}
	return base + "01"
}
