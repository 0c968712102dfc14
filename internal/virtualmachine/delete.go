// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"

	"github.com/juju/azrm/internal/reconcile"
)

// resourceRef names a resource within its resource group.
type resourceRef struct {
	resourceGroup string
	name          string
}

// reconcileAbsent deletes the machine, and optionally the resources
// it owns: the OS disk blobs when delete_virtual_storage is set, the
// network interfaces when delete_network_interfaces is set, and the
// public IP addresses attached to those interfaces when
// delete_public_ips is also set. The machine goes first so that its
// leases on the others are released; the first failure aborts the
// cascade.
func (r *Reconciler) reconcileAbsent(ctx context.Context, args Args, current *armcompute.VirtualMachine) (*Outcome, error) {
	if current == nil {
		return &Outcome{Changed: false, CheckMode: r.CheckMode, PowerStateChange: PowerStateNone}, nil
	}
	outcome := &Outcome{
		Changed:          true,
		CheckMode:        r.CheckMode,
		Differences:      []string{"state"},
		PowerStateChange: PowerStateNone,
	}
	if r.CheckMode {
		return outcome, nil
	}

	var vhdBlobURIs []string
	if args.DeleteVirtualStorage {
		vhdBlobURIs = vhdURIs(current)
	}
	var nics, pips []resourceRef
	if args.DeleteNetworkInterfaces {
		var err error
		nics, err = r.attachedInterfaces(current)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if args.DeletePublicIPs {
			if pips, err = r.attachedPublicIPs(ctx, nics); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}

	var actions reconcile.ActionLog
	logger.Debugf("deleting virtual machine %q", args.Name)
	poller, err := r.Clients.VirtualMachines.BeginDelete(ctx, args.ResourceGroup, args.Name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "deleting virtual machine %q", args.Name)
	}
	actions.Addf("Deleted VM %s", args.Name)

	for _, uri := range vhdBlobURIs {
		if err := r.deleteBlob(ctx, args.ResourceGroup, uri, &actions); err != nil {
			return nil, errors.Trace(err)
		}
		outcome.DeletedVHDURIs = append(outcome.DeletedVHDURIs, uri)
	}
	for _, nic := range nics {
		logger.Debugf("deleting network interface %q", nic.name)
		poller, err := r.Clients.Interfaces.BeginDelete(ctx, nic.resourceGroup, nic.name, nil)
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "deleting network interface %q", nic.name)
		}
		actions.Addf("Deleted network interface %s", nic.name)
		outcome.DeletedNetworkInterfaces = append(outcome.DeletedNetworkInterfaces, nic.name)
	}
	for _, pip := range pips {
		logger.Debugf("deleting public IP address %q", pip.name)
		poller, err := r.Clients.PublicIPAddresses.BeginDelete(ctx, pip.resourceGroup, pip.name, nil)
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "deleting public IP address %q", pip.name)
		}
		actions.Addf("Deleted public IP address %s", pip.name)
		outcome.DeletedPublicIPs = append(outcome.DeletedPublicIPs, pip.name)
	}
	outcome.Actions = actions
	return outcome, nil
}

// vhdURIs collects the blob URIs of the machine's OS and data disks.
// Managed disks have no VHD and are deleted with the machine.
func vhdURIs(machine *armcompute.VirtualMachine) []string {
	profile := storageProfile(currentProperties(machine))
	var uris []string
	if profile.OSDisk != nil && profile.OSDisk.Vhd != nil && profile.OSDisk.Vhd.URI != nil {
		uris = append(uris, *profile.OSDisk.Vhd.URI)
	}
	for _, disk := range profile.DataDisks {
		if disk != nil && disk.Vhd != nil && disk.Vhd.URI != nil {
			uris = append(uris, *disk.Vhd.URI)
		}
	}
	return uris
}

func (r *Reconciler) attachedInterfaces(machine *armcompute.VirtualMachine) ([]resourceRef, error) {
	props := currentProperties(machine)
	if props.NetworkProfile == nil {
		return nil, nil
	}
	var refs []resourceRef
	for _, nic := range props.NetworkProfile.NetworkInterfaces {
		if nic == nil || nic.ID == nil {
			continue
		}
		id, err := arm.ParseResourceID(*nic.ID)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing network interface ID %q", *nic.ID)
		}
		refs = append(refs, resourceRef{id.ResourceGroupName, id.Name})
	}
	return refs, nil
}

func (r *Reconciler) attachedPublicIPs(ctx context.Context, nics []resourceRef) ([]resourceRef, error) {
	var refs []resourceRef
	for _, nic := range nics {
		resp, err := r.Clients.Interfaces.Get(ctx, nic.resourceGroup, nic.name, nil)
		if err != nil {
			return nil, errors.Annotatef(err, "getting network interface %q", nic.name)
		}
		if resp.Properties == nil {
			continue
		}
		for _, ipConfig := range resp.Properties.IPConfigurations {
			if ipConfig == nil || ipConfig.Properties == nil {
				continue
			}
			pip := ipConfig.Properties.PublicIPAddress
			if pip == nil || pip.ID == nil {
				continue
			}
			id, err := arm.ParseResourceID(*pip.ID)
			if err != nil {
				return nil, errors.Annotatef(err, "parsing public IP address ID %q", *pip.ID)
			}
			refs = append(refs, resourceRef{id.ResourceGroupName, id.Name})
		}
	}
	return refs, nil
}

// deleteBlob removes the VHD blob behind uri, authenticating with the
// storage account's primary key.
func (r *Reconciler) deleteBlob(ctx context.Context, resourceGroup, uri string, actions *reconcile.ActionLog) error {
	location, err := reconcile.ParseBlobURI(uri)
	if err != nil {
		return errors.Trace(err)
	}
	keys, err := r.Clients.StorageAccounts.ListKeys(ctx, resourceGroup, location.Account, nil)
	if err != nil {
		return errors.Annotatef(err, "listing keys of storage account %q", location.Account)
	}
	if len(keys.Keys) == 0 || keys.Keys[0].Value == nil {
		return errors.NotFoundf("keys of storage account %q", location.Account)
	}
	blobs, err := r.Clients.BlobsClient(location.ServiceURL(), location.Account, *keys.Keys[0].Value)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("deleting blob %s:%s", location.Container, location.Blob)
	if _, err := blobs.DeleteBlob(ctx, location.Container, location.Blob, nil); err != nil {
		return errors.Annotatef(err, "deleting blob %q", uri)
	}
	actions.Addf("Deleted blob %s:%s", location.Container, location.Blob)
	return nil
}
