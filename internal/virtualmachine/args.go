// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package virtualmachine reconciles virtual machines: creating them
// with their supporting resources, converging mutable properties and
// power state, and deleting them together with the resources they
// own.
package virtualmachine

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/juju/azrm/internal/reconcile"
)

// Image identifies a marketplace image.
type Image struct {
	Publisher string `json:"publisher" yaml:"publisher"`
	Offer     string `json:"offer" yaml:"offer"`
	SKU       string `json:"sku" yaml:"sku"`
	Version   string `json:"version" yaml:"version"`
}

// SSHPublicKey is an authorized key to install on a Linux machine.
type SSHPublicKey struct {
	Path    string `json:"path" yaml:"path"`
	KeyData string `json:"key_data" yaml:"key_data"`
}

// Args is the desired state declared for one virtual machine.
type Args struct {
	ResourceGroup            string
	Name                     string
	State                    reconcile.State
	Location                 string
	ShortHostname            string
	VMSize                   string
	AdminUsername            string
	AdminPassword            string
	SSHPasswordEnabled       bool
	SSHPublicKeys            []SSHPublicKey
	Image                    *Image
	StorageAccountName       string
	StorageContainerName     string
	StorageBlobName          string
	OSDiskCaching            string
	OSType                   string
	PublicIPAllocationMethod string
	SSHPort                  int
	RDPPort                  int
	NetworkInterfaceNames    []string
	VirtualNetworkName       string
	SubnetName               string
	DeleteNetworkInterfaces  bool
	DeleteVirtualStorage     bool
	DeletePublicIPs          bool
	Tags                     map[string]string
	PurgeTags                bool
}

const (
	defaultVMSize        = "Standard_D1"
	defaultContainerName = "vhds"
	defaultOSDiskCaching = "ReadOnly"
	defaultOSType        = "Linux"
	defaultAllocation    = "Static"
	defaultSSHPort       = 22
	defaultRDPPort       = 3389
)

var argsChecker = schema.FieldMap(schema.Fields{
	"resource_group":              schema.String(),
	"name":                        schema.String(),
	"state":                       schema.String(),
	"location":                    schema.String(),
	"short_hostname":              schema.String(),
	"vm_size":                     schema.String(),
	"admin_username":              schema.String(),
	"admin_password":              schema.String(),
	"ssh_password_enabled":        schema.Bool(),
	"ssh_public_keys":             schema.List(schema.StringMap(schema.String())),
	"image":                       schema.StringMap(schema.String()),
	"storage_account_name":        schema.String(),
	"storage_container_name":      schema.String(),
	"storage_blob_name":           schema.String(),
	"os_disk_caching":             schema.String(),
	"os_type":                     schema.String(),
	"public_ip_allocation_method": schema.String(),
	"ssh_port":                    schema.ForceInt(),
	"rdp_port":                    schema.ForceInt(),
	"network_interface_names":     schema.List(schema.String()),
	"virtual_network_name":        schema.String(),
	"subnet_name":                 schema.String(),
	"delete_network_interfaces":   schema.Bool(),
	"delete_virtual_storage":      schema.Bool(),
	"delete_public_ips":           schema.Bool(),
	"tags":                        schema.StringMap(schema.String()),
	"purge_tags":                  schema.Bool(),
}, schema.Defaults{
	"state":                       string(reconcile.Started),
	"location":                    schema.Omit,
	"short_hostname":              schema.Omit,
	"vm_size":                     defaultVMSize,
	"admin_username":              schema.Omit,
	"admin_password":              schema.Omit,
	"ssh_password_enabled":        true,
	"ssh_public_keys":             schema.Omit,
	"image":                       schema.Omit,
	"storage_account_name":        schema.Omit,
	"storage_container_name":      defaultContainerName,
	"storage_blob_name":           schema.Omit,
	"os_disk_caching":             defaultOSDiskCaching,
	"os_type":                     defaultOSType,
	"public_ip_allocation_method": defaultAllocation,
	"ssh_port":                    defaultSSHPort,
	"rdp_port":                    defaultRDPPort,
	"network_interface_names":     schema.Omit,
	"virtual_network_name":        schema.Omit,
	"subnet_name":                 schema.Omit,
	"delete_network_interfaces":   false,
	"delete_virtual_storage":      false,
	"delete_public_ips":           false,
	"tags":                        schema.Omit,
	"purge_tags":                  false,
})

// ParseArgs validates and coerces a raw parameter document.
func ParseArgs(raw map[string]interface{}) (Args, error) {
	coerced, err := argsChecker.Coerce(raw, nil)
	if err != nil {
		return Args{}, errors.Annotate(err, "validating virtual machine parameters")
	}
	attrs := coerced.(map[string]interface{})

	optional := func(key string) string {
		if v, ok := attrs[key]; ok {
			return v.(string)
		}
		return ""
	}
	args := Args{
		ResourceGroup:            attrs["resource_group"].(string),
		Name:                     attrs["name"].(string),
		State:                    reconcile.State(attrs["state"].(string)),
		Location:                 optional("location"),
		ShortHostname:            optional("short_hostname"),
		VMSize:                   attrs["vm_size"].(string),
		AdminUsername:            optional("admin_username"),
		AdminPassword:            optional("admin_password"),
		SSHPasswordEnabled:       attrs["ssh_password_enabled"].(bool),
		StorageAccountName:       optional("storage_account_name"),
		StorageContainerName:     attrs["storage_container_name"].(string),
		StorageBlobName:          optional("storage_blob_name"),
		OSDiskCaching:            attrs["os_disk_caching"].(string),
		OSType:                   attrs["os_type"].(string),
		PublicIPAllocationMethod: attrs["public_ip_allocation_method"].(string),
		SSHPort:                  attrs["ssh_port"].(int),
		RDPPort:                  attrs["rdp_port"].(int),
		NetworkInterfaceNames:    reconcile.StringSlice(attrs["network_interface_names"]),
		VirtualNetworkName:       optional("virtual_network_name"),
		SubnetName:               optional("subnet_name"),
		DeleteNetworkInterfaces:  attrs["delete_network_interfaces"].(bool),
		DeleteVirtualStorage:     attrs["delete_virtual_storage"].(bool),
		DeletePublicIPs:          attrs["delete_public_ips"].(bool),
		Tags:                     reconcile.StringMap(attrs["tags"]),
		PurgeTags:                attrs["purge_tags"].(bool),
	}

	switch args.State {
	case reconcile.Present, reconcile.Absent, reconcile.Started, reconcile.Stopped:
	default:
		return Args{}, errors.NotValidf("state %q", args.State)
	}
	switch args.OSDiskCaching {
	case "ReadOnly", "ReadWrite":
	default:
		return Args{}, errors.NotValidf("os_disk_caching %q", args.OSDiskCaching)
	}
	switch args.OSType {
	case "Linux", "Windows":
	default:
		return Args{}, errors.NotValidf("os_type %q", args.OSType)
	}
	switch args.PublicIPAllocationMethod {
	case "Static", "Dynamic", "Disabled":
	default:
		return Args{}, errors.NotValidf("public_ip_allocation_method %q", args.PublicIPAllocationMethod)
	}

	if v, ok := attrs["image"]; ok {
		image, err := parseImage(reconcile.StringMap(v))
		if err != nil {
			return Args{}, errors.Trace(err)
		}
		args.Image = image
	}
	if v, ok := attrs["ssh_public_keys"]; ok {
		keys, err := parseSSHPublicKeys(v.([]interface{}))
		if err != nil {
			return Args{}, errors.Trace(err)
		}
		args.SSHPublicKeys = keys
	}
	if args.StorageBlobName == "" {
		args.StorageBlobName = args.Name + ".vhd"
	}
	return args, nil
}

func parseImage(attrs map[string]string) (*Image, error) {
	image := &Image{
		Publisher: attrs["publisher"],
		Offer:     attrs["offer"],
		SKU:       attrs["sku"],
		Version:   attrs["version"],
	}
	if image.Publisher == "" || image.Offer == "" || image.SKU == "" {
		return nil, errors.NewNotValid(nil, "image requires publisher, offer and sku")
	}
	if image.Version == "" {
		image.Version = "latest"
	}
	return image, nil
}

func parseSSHPublicKeys(items []interface{}) ([]SSHPublicKey, error) {
	keys := make([]SSHPublicKey, len(items))
	for i, item := range items {
		attrs := reconcile.StringMap(item)
		keys[i] = SSHPublicKey{Path: attrs["path"], KeyData: attrs["key_data"]}
		if keys[i].Path == "" || keys[i].KeyData == "" {
			return nil, errors.NewNotValid(nil, "ssh_public_keys entries require path and key_data")
		}
	}
	return keys, nil
}

// inboundPort returns the port opened on an auto-created security
// group: the RDP port for Windows machines, the SSH port otherwise.
func (a Args) inboundPort() int {
	if a.OSType == "Windows" {
		return a.RDPPort
	}
	return a.SSHPort
}

// defaultResourceName derives the name used for resources created on
// the machine's behalf, such as its network interface and public IP.
func defaultResourceName(machineName string) string {
	return fmt.Sprintf("%s01", machineName)
}
