// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azureclients constructs the Resource Manager API clients
// shared by the reconcilers.
package azureclients

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/juju/errors"
)

// Clients bundles the Resource Manager clients for one subscription.
// All clients share the same credential and client options, so tests
// can route every request through a single transport.
type Clients struct {
	SubscriptionID string

	VirtualMachines      *armcompute.VirtualMachinesClient
	VirtualMachineSizes  *armcompute.VirtualMachineSizesClient
	VirtualMachineImages *armcompute.VirtualMachineImagesClient

	VirtualNetworks   *armnetwork.VirtualNetworksClient
	Subnets           *armnetwork.SubnetsClient
	Interfaces        *armnetwork.InterfacesClient
	PublicIPAddresses *armnetwork.PublicIPAddressesClient
	SecurityGroups    *armnetwork.SecurityGroupsClient

	ResourceGroups *armresources.ResourceGroupsClient
	Resources      *armresources.Client

	StorageAccounts *armstorage.AccountsClient

	clientOptions azcore.ClientOptions
}

// NewClients returns a client bundle for the subscription.
func NewClients(subscriptionID string, credential azcore.TokenCredential, options *arm.ClientOptions) (*Clients, error) {
	if options == nil {
		options = &arm.ClientOptions{}
	}
	clients := &Clients{
		SubscriptionID: subscriptionID,
		clientOptions:  options.ClientOptions,
	}
	var err error
	if clients.VirtualMachines, err = armcompute.NewVirtualMachinesClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.VirtualMachineSizes, err = armcompute.NewVirtualMachineSizesClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.VirtualMachineImages, err = armcompute.NewVirtualMachineImagesClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.VirtualNetworks, err = armnetwork.NewVirtualNetworksClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.Subnets, err = armnetwork.NewSubnetsClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.Interfaces, err = armnetwork.NewInterfacesClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.PublicIPAddresses, err = armnetwork.NewPublicIPAddressesClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.SecurityGroups, err = armnetwork.NewSecurityGroupsClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.ResourceGroups, err = armresources.NewResourceGroupsClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.Resources, err = armresources.NewClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	if clients.StorageAccounts, err = armstorage.NewAccountsClient(subscriptionID, credential, options); err != nil {
		return nil, errors.Trace(err)
	}
	return clients, nil
}

// BlobsClient returns a blob service client for the given endpoint,
// authenticated with a storage account shared key. The client reuses
// the bundle's transport and retry options.
func (c *Clients) BlobsClient(serviceURL, accountName, accountKey string) (*azblob.Client, error) {
	keyCredential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, errors.Annotate(err, "creating storage credential")
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, keyCredential, &azblob.ClientOptions{
		ClientOptions: c.clientOptions,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return client, nil
}
