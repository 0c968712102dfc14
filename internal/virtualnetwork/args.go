// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package virtualnetwork reconciles virtual networks: creating,
// updating and deleting them so that the observed state converges on
// a declared desired state.
package virtualnetwork

import (
	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/juju/azrm/internal/reconcile"
)

// Args is the desired state declared for one virtual network.
type Args struct {
	ResourceGroup        string
	Name                 string
	State                reconcile.State
	Location             string
	AddressPrefixes      []string
	DNSServers           []string
	PurgeAddressPrefixes bool
	PurgeDNSServers      bool
	Tags                 map[string]string
	PurgeTags            bool
}

var argsChecker = schema.FieldMap(schema.Fields{
	"resource_group":         schema.String(),
	"name":                   schema.String(),
	"state":                  schema.String(),
	"location":               schema.String(),
	"address_prefixes_cidr":  schema.List(schema.String()),
	"dns_servers":            schema.List(schema.String()),
	"purge_address_prefixes": schema.Bool(),
	"purge_dns_servers":      schema.Bool(),
	"tags":                   schema.StringMap(schema.String()),
	"purge_tags":             schema.Bool(),
}, schema.Defaults{
	"state":                  string(reconcile.Present),
	"location":               schema.Omit,
	"address_prefixes_cidr":  schema.Omit,
	"dns_servers":            schema.Omit,
	"purge_address_prefixes": false,
	"purge_dns_servers":      false,
	"tags":                   schema.Omit,
	"purge_tags":             false,
})

// ParseArgs validates and coerces a raw parameter document.
func ParseArgs(raw map[string]interface{}) (Args, error) {
	coerced, err := argsChecker.Coerce(raw, nil)
	if err != nil {
		return Args{}, errors.Annotate(err, "validating virtual network parameters")
	}
	attrs := coerced.(map[string]interface{})

	args := Args{
		ResourceGroup:        attrs["resource_group"].(string),
		Name:                 attrs["name"].(string),
		State:                reconcile.State(attrs["state"].(string)),
		AddressPrefixes:      reconcile.StringSlice(attrs["address_prefixes_cidr"]),
		DNSServers:           reconcile.StringSlice(attrs["dns_servers"]),
		PurgeAddressPrefixes: attrs["purge_address_prefixes"].(bool),
		PurgeDNSServers:      attrs["purge_dns_servers"].(bool),
		Tags:                 reconcile.StringMap(attrs["tags"]),
		PurgeTags:            attrs["purge_tags"].(bool),
	}
	if v, ok := attrs["location"]; ok {
		args.Location = v.(string)
	}

	switch args.State {
	case reconcile.Present, reconcile.Absent:
	default:
		return Args{}, errors.NotValidf("state %q", args.State)
	}
	if err := reconcile.ValidateResourceName(args.Name); err != nil {
		return Args{}, errors.Trace(err)
	}
	for _, prefix := range args.AddressPrefixes {
		if err := reconcile.ValidateCIDR(prefix); err != nil {
			return Args{}, errors.Trace(err)
		}
	}
	if len(args.DNSServers) > 2 {
		return Args{}, errors.NotValidf("more than two DNS servers")
	}
	if args.PurgeDNSServers && len(args.DNSServers) > 0 {
		return Args{}, errors.NewNotValid(nil, "purge_dns_servers is mutually exclusive with dns_servers")
	}
	if args.PurgeAddressPrefixes && len(args.AddressPrefixes) == 0 {
		return Args{}, errors.NewNotValid(nil, "purge_address_prefixes requires address_prefixes_cidr")
	}
	return args, nil
}
