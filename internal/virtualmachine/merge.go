// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine

import (
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/collections/set"

	"github.com/juju/azrm/internal/reconcile"
)

// merge computes the virtual machine that satisfies args given the
// current one, along with the differences found, in a fixed order.
// Properties the platform treats as immutable (admin credentials, the
// OS disk VHD) are carried over from the current machine unchanged.
// nicIDs holds the resolved IDs of the declared network interfaces;
// nil means none were declared. Any image version in args must
// already be concrete. The current machine is not modified.
func merge(args Args, nicIDs []string, current *armcompute.VirtualMachine) (*armcompute.VirtualMachine, []string) {
	var differences []string
	props := currentProperties(current)

	networkProfile := props.NetworkProfile
	if nicIDs != nil {
		currentIDs := set.NewStrings()
		if networkProfile != nil {
			for _, ref := range networkProfile.NetworkInterfaces {
				currentIDs.Add(strings.ToLower(toValue(ref.ID)))
			}
		}
		desiredIDs := set.NewStrings()
		for _, id := range nicIDs {
			desiredIDs.Add(strings.ToLower(id))
		}
		if !currentIDs.Difference(desiredIDs).IsEmpty() || !desiredIDs.Difference(currentIDs).IsEmpty() {
			differences = append(differences, "Network Interfaces")
			networkProfile = networkInterfaceProfile(nicIDs)
		}
	}

	if vmSize(current) != args.VMSize {
		differences = append(differences, "VM Size")
	}

	imageRef := cloneImageReference(storageProfile(props).ImageReference)
	if args.Image != nil {
		if toValue(imageRef.Publisher) != args.Image.Publisher ||
			toValue(imageRef.Offer) != args.Image.Offer ||
			toValue(imageRef.SKU) != args.Image.SKU {
			differences = append(differences, "Image")
			imageRef = imageReference(args.Image)
		} else if toValue(imageRef.Version) != args.Image.Version {
			differences = append(differences, "Image versions")
			imageRef.Version = to.Ptr(args.Image.Version)
		}
	}

	osDisk := cloneOSDisk(storageProfile(props).OSDisk)
	if string(toValue(osDisk.Caching)) != args.OSDiskCaching {
		differences = append(differences, "OS Disk caching")
		osDisk.Caching = to.Ptr(armcompute.CachingTypes(args.OSDiskCaching))
	}

	tags, changed := reconcile.MergeTags(fromTags(current.Tags), args.Tags, args.PurgeTags)
	if changed {
		differences = append(differences, "Tags")
	}

	osProfile := cloneOSProfile(props.OSProfile)
	if args.ShortHostname != "" && toValue(osProfile.ComputerName) != args.ShortHostname {
		differences = append(differences, "Short Hostname")
		osProfile.ComputerName = to.Ptr(args.ShortHostname)
	}

	merged := &armcompute.VirtualMachine{
		Location: current.Location,
		Tags:     toTags(tags),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(args.VMSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: imageRef,
				OSDisk:         osDisk,
			},
			OSProfile:      osProfile,
			NetworkProfile: networkProfile,
		},
	}
	return merged, differences
}

func currentProperties(machine *armcompute.VirtualMachine) *armcompute.VirtualMachineProperties {
	if machine.Properties == nil {
		return &armcompute.VirtualMachineProperties{}
	}
	return machine.Properties
}

func storageProfile(props *armcompute.VirtualMachineProperties) *armcompute.StorageProfile {
	if props.StorageProfile == nil {
		return &armcompute.StorageProfile{}
	}
	return props.StorageProfile
}

func vmSize(machine *armcompute.VirtualMachine) string {
	props := currentProperties(machine)
	if props.HardwareProfile == nil {
		return ""
	}
	return string(toValue(props.HardwareProfile.VMSize))
}

func imageReference(image *Image) *armcompute.ImageReference {
	return &armcompute.ImageReference{
		Publisher: to.Ptr(image.Publisher),
		Offer:     to.Ptr(image.Offer),
		SKU:       to.Ptr(image.SKU),
		Version:   to.Ptr(image.Version),
	}
}

func cloneImageReference(ref *armcompute.ImageReference) *armcompute.ImageReference {
	if ref == nil {
		return &armcompute.ImageReference{}
	}
	clone := *ref
	return &clone
}

func cloneOSDisk(disk *armcompute.OSDisk) *armcompute.OSDisk {
	if disk == nil {
		return &armcompute.OSDisk{}
	}
	clone := *disk
	return &clone
}

func cloneOSProfile(profile *armcompute.OSProfile) *armcompute.OSProfile {
	if profile == nil {
		return &armcompute.OSProfile{}
	}
	clone := *profile
	// The platform never returns the password, and resends of the
	// remaining credential fields must match what is stored.
	clone.AdminPassword = nil
	return &clone
}

func networkInterfaceProfile(nicIDs []string) *armcompute.NetworkProfile {
	refs := make([]*armcompute.NetworkInterfaceReference, len(nicIDs))
	for i, id := range nicIDs {
		refs[i] = &armcompute.NetworkInterfaceReference{
			ID: to.Ptr(id),
			Properties: &armcompute.NetworkInterfaceReferenceProperties{
				Primary: to.Ptr(i == 0),
			},
		}
	}
	return &armcompute.NetworkProfile{NetworkInterfaces: refs}
}
