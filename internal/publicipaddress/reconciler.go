// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package publicipaddress reconciles standalone public IP addresses.
package publicipaddress

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/schema"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/errorutils"
	"github.com/juju/azrm/internal/reconcile"
)

var logger = loggo.GetLogger("azrm.publicipaddress")

// Args is the desired state declared for one public IP address.
type Args struct {
	ResourceGroup    string
	Name             string
	State            reconcile.State
	Location         string
	AllocationMethod string
	DomainNameLabel  string
	Tags             map[string]string
	PurgeTags        bool
}

var argsChecker = schema.FieldMap(schema.Fields{
	"resource_group":    schema.String(),
	"name":              schema.String(),
	"state":             schema.String(),
	"location":          schema.String(),
	"allocation_method": schema.String(),
	"domain_name":       schema.String(),
	"tags":              schema.StringMap(schema.String()),
	"purge_tags":        schema.Bool(),
}, schema.Defaults{
	"state":             string(reconcile.Present),
	"location":          schema.Omit,
	"allocation_method": "Dynamic",
	"domain_name":       schema.Omit,
	"tags":              schema.Omit,
	"purge_tags":        false,
})

// ParseArgs validates and coerces a raw parameter document.
func ParseArgs(raw map[string]interface{}) (Args, error) {
	coerced, err := argsChecker.Coerce(raw, nil)
	if err != nil {
		return Args{}, errors.Annotate(err, "validating public IP address parameters")
	}
	attrs := coerced.(map[string]interface{})
	optional := func(key string) string {
		if v, ok := attrs[key]; ok {
			return v.(string)
		}
		return ""
	}
	args := Args{
		ResourceGroup:    attrs["resource_group"].(string),
		Name:             attrs["name"].(string),
		State:            reconcile.State(attrs["state"].(string)),
		Location:         optional("location"),
		AllocationMethod: attrs["allocation_method"].(string),
		DomainNameLabel:  optional("domain_name"),
		Tags:             reconcile.StringMap(attrs["tags"]),
		PurgeTags:        attrs["purge_tags"].(bool),
	}
	switch args.State {
	case reconcile.Present, reconcile.Absent:
	default:
		return Args{}, errors.NotValidf("state %q", args.State)
	}
	switch args.AllocationMethod {
	case "Static", "Dynamic":
	default:
		return Args{}, errors.NotValidf("allocation_method %q", args.AllocationMethod)
	}
	return args, nil
}

// IPState reports the observed (or projected) public IP address.
type IPState struct {
	ID                string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string            `json:"name" yaml:"name"`
	Location          string            `json:"location,omitempty" yaml:"location,omitempty"`
	AllocationMethod  string            `json:"allocation_method,omitempty" yaml:"allocation_method,omitempty"`
	IPAddress         string            `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	DomainNameLabel   string            `json:"domain_name,omitempty" yaml:"domain_name,omitempty"`
	FQDN              string            `json:"fqdn,omitempty" yaml:"fqdn,omitempty"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ProvisioningState string            `json:"provisioning_state,omitempty" yaml:"provisioning_state,omitempty"`
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Changed     bool     `json:"changed" yaml:"changed"`
	CheckMode   bool     `json:"check_mode,omitempty" yaml:"check_mode,omitempty"`
	Differences []string `json:"differences,omitempty" yaml:"differences,omitempty"`
	Actions     []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	State       *IPState `json:"state,omitempty" yaml:"state,omitempty"`
}

// Reconciler drives one public IP address towards its desired state.
type Reconciler struct {
	Clients   *azureclients.Clients
	CheckMode bool
}

// Reconcile converges the public IP address named in args on the
// declared desired state.
func (r *Reconciler) Reconcile(ctx context.Context, args Args) (*Outcome, error) {
	current, err := r.fetch(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if args.State == reconcile.Absent {
		return r.reconcileAbsent(ctx, args, current)
	}
	if current == nil {
		return r.create(ctx, args)
	}
	return r.update(ctx, args, current)
}

func (r *Reconciler) fetch(ctx context.Context, args Args) (*armnetwork.PublicIPAddress, error) {
	resp, err := r.Clients.PublicIPAddresses.Get(ctx, args.ResourceGroup, args.Name, nil)
	if errorutils.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting public IP address %q", args.Name)
	}
	return &resp.PublicIPAddress, nil
}

func (r *Reconciler) create(ctx context.Context, args Args) (*Outcome, error) {
	location := args.Location
	if location == "" {
		resp, err := r.Clients.ResourceGroups.Get(ctx, args.ResourceGroup, nil)
		if err != nil {
			return nil, errors.Annotatef(err, "getting resource group %q", args.ResourceGroup)
		}
		location = toValue(resp.ResourceGroup.Location)
	}
	params := armnetwork.PublicIPAddress{
		Location: to.Ptr(location),
		Tags:     toTags(args.Tags),
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethod(args.AllocationMethod)),
		},
	}
	if args.DomainNameLabel != "" {
		params.Properties.DNSSettings = &armnetwork.PublicIPAddressDNSSettings{
			DomainNameLabel: to.Ptr(args.DomainNameLabel),
		}
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: []string{"state"},
	}
	if r.CheckMode {
		outcome.State = report(&params, args.Name)
		return outcome, nil
	}
	logger.Debugf("creating public IP address %q in %q", args.Name, location)
	created, err := r.createOrUpdate(ctx, args, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Created public IP address %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(created, args.Name)
	return outcome, nil
}

func (r *Reconciler) update(ctx context.Context, args Args, current *armnetwork.PublicIPAddress) (*Outcome, error) {
	var differences []string
	props := &armnetwork.PublicIPAddressPropertiesFormat{}
	if current.Properties != nil {
		clone := *current.Properties
		props = &clone
	}
	if string(toValue(props.PublicIPAllocationMethod)) != args.AllocationMethod {
		differences = append(differences, "allocation_method")
		props.PublicIPAllocationMethod = to.Ptr(armnetwork.IPAllocationMethod(args.AllocationMethod))
	}
	currentLabel := ""
	if props.DNSSettings != nil {
		currentLabel = toValue(props.DNSSettings.DomainNameLabel)
	}
	if args.DomainNameLabel != "" && args.DomainNameLabel != currentLabel {
		differences = append(differences, "domain_name")
		props.DNSSettings = &armnetwork.PublicIPAddressDNSSettings{
			DomainNameLabel: to.Ptr(args.DomainNameLabel),
		}
	}
	tags, changed := reconcile.MergeTags(fromTags(current.Tags), args.Tags, args.PurgeTags)
	if changed {
		differences = append(differences, "tags")
	}
	if len(differences) == 0 {
		return &Outcome{Changed: false, CheckMode: r.CheckMode, State: report(current, args.Name)}, nil
	}
	merged := &armnetwork.PublicIPAddress{
		Location:   current.Location,
		Tags:       toTags(tags),
		Properties: props,
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: differences,
	}
	if r.CheckMode {
		outcome.State = report(merged, args.Name)
		return outcome, nil
	}
	logger.Debugf("updating public IP address %q: %v", args.Name, differences)
	updated, err := r.createOrUpdate(ctx, args, *merged)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Updated public IP address %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(updated, args.Name)
	return outcome, nil
}

func (r *Reconciler) reconcileAbsent(ctx context.Context, args Args, current *armnetwork.PublicIPAddress) (*Outcome, error) {
	if current == nil {
		return &Outcome{Changed: false, CheckMode: r.CheckMode}, nil
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: []string{"state"},
	}
	if r.CheckMode {
		return outcome, nil
	}
	logger.Debugf("deleting public IP address %q", args.Name)
	poller, err := r.Clients.PublicIPAddresses.BeginDelete(ctx, args.ResourceGroup, args.Name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "deleting public IP address %q", args.Name)
	}
	var actions reconcile.ActionLog
	actions.Addf("Deleted public IP address %s", args.Name)
	outcome.Actions = actions
	return outcome, nil
}

func (r *Reconciler) createOrUpdate(ctx context.Context, args Args, params armnetwork.PublicIPAddress) (*armnetwork.PublicIPAddress, error) {
	poller, err := r.Clients.PublicIPAddresses.BeginCreateOrUpdate(ctx, args.ResourceGroup, args.Name, params, nil)
	var result armnetwork.PublicIPAddressesClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating public IP address %q", args.Name)
	}
	return &result.PublicIPAddress, nil
}

func report(pip *armnetwork.PublicIPAddress, name string) *IPState {
	state := &IPState{
		ID:       toValue(pip.ID),
		Name:     name,
		Location: toValue(pip.Location),
		Tags:     fromTags(pip.Tags),
	}
	if pip.Name != nil {
		state.Name = *pip.Name
	}
	if props := pip.Properties; props != nil {
		state.AllocationMethod = string(toValue(props.PublicIPAllocationMethod))
		state.IPAddress = toValue(props.IPAddress)
		state.ProvisioningState = string(toValue(props.ProvisioningState))
		if props.DNSSettings != nil {
			state.DomainNameLabel = toValue(props.DNSSettings.DomainNameLabel)
			state.FQDN = toValue(props.DNSSettings.Fqdn)
		}
	}
	return state
}

func toValue[T any](v *T) T {
	if v == nil {
		var result T
		return result
	}
	return *v
}

func toTags(tags map[string]string) map[string]*string {
	result := make(map[string]*string, len(tags))
	for k, v := range tags {
		result[k] = to.Ptr(v)
	}
	return result
}

func fromTags(tags map[string]*string) map[string]string {
	result := make(map[string]string, len(tags))
	for k, v := range tags {
		result[k] = toValue(v)
	}
	return result
}
