// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualnetwork

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/errorutils"
	"github.com/juju/azrm/internal/reconcile"
)

var logger = loggo.GetLogger("azrm.virtualnetwork")

// Reconciler drives one virtual network towards its desired state.
type Reconciler struct {
	Clients   *azureclients.Clients
	CheckMode bool
}

// NetworkState reports the observed (or, in check mode, projected)
// state of a virtual network.
type NetworkState struct {
	ID                string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string            `json:"name" yaml:"name"`
	Location          string            `json:"location" yaml:"location"`
	AddressPrefixes   []string          `json:"address_prefixes_cidr" yaml:"address_prefixes_cidr"`
	DNSServers        []string          `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ProvisioningState string            `json:"provisioning_state,omitempty" yaml:"provisioning_state,omitempty"`
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Changed     bool          `json:"changed" yaml:"changed"`
	CheckMode   bool          `json:"check_mode,omitempty" yaml:"check_mode,omitempty"`
	Differences []string      `json:"differences,omitempty" yaml:"differences,omitempty"`
	Actions     []string      `json:"actions,omitempty" yaml:"actions,omitempty"`
	State       *NetworkState `json:"state,omitempty" yaml:"state,omitempty"`
}

// Reconcile converges the virtual network named in args on the
// declared desired state and reports what was (or would be) done.
func (r *Reconciler) Reconcile(ctx context.Context, args Args) (*Outcome, error) {
	current, err := r.fetch(ctx, args.ResourceGroup, args.Name)
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

func (r *Reconciler) fetch(ctx context.Context, resourceGroup, name string) (*armnetwork.VirtualNetwork, error) {
	resp, err := r.Clients.VirtualNetworks.Get(ctx, resourceGroup, name, nil)
	if errorutils.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting virtual network %q", name)
	}
	return &resp.VirtualNetwork, nil
}

func (r *Reconciler) reconcileAbsent(ctx context.Context, args Args, current *armnetwork.VirtualNetwork) (*Outcome, error) {
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
	logger.Debugf("deleting virtual network %q", args.Name)
	poller, err := r.Clients.VirtualNetworks.BeginDelete(ctx, args.ResourceGroup, args.Name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "deleting virtual network %q", args.Name)
	}
	var actions reconcile.ActionLog
	actions.Addf("Deleted virtual network %s", args.Name)
	outcome.Actions = actions
	return outcome, nil
}

func (r *Reconciler) create(ctx context.Context, args Args) (*Outcome, error) {
	if len(args.AddressPrefixes) == 0 {
		return nil, errors.NewNotValid(nil, "address_prefixes_cidr is required when creating a virtual network")
	}
	location, err := r.location(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	params := armnetwork.VirtualNetwork{
		Location: to.Ptr(location),
		Tags:     toTags(args.Tags),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{
				AddressPrefixes: to.SliceOfPtrs(args.AddressPrefixes...),
			},
		},
	}
	if len(args.DNSServers) > 0 {
		params.Properties.DhcpOptions = &armnetwork.DhcpOptions{
			DNSServers: to.SliceOfPtrs(args.DNSServers...),
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
	logger.Debugf("creating virtual network %q in %q", args.Name, location)
	created, err := r.createOrUpdate(ctx, args, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Created virtual network %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(created, args.Name)
	return outcome, nil
}

func (r *Reconciler) update(ctx context.Context, args Args, current *armnetwork.VirtualNetwork) (*Outcome, error) {
	provisioningState := ""
	if current.Properties != nil && current.Properties.ProvisioningState != nil {
		provisioningState = string(*current.Properties.ProvisioningState)
	}
	if err := reconcile.CheckProvisioningState("virtual network", args.Name, provisioningState, args.State); err != nil {
		return nil, errors.Trace(err)
	}
	if args.Location != "" && reconcile.CanonicalLocation(args.Location) != reconcile.CanonicalLocation(toValue(current.Location)) {
		return nil, errors.Errorf(
			"virtual network %q exists in location %q; it cannot be moved to %q",
			args.Name, toValue(current.Location), args.Location,
		)
	}

	merged, differences := merge(args, current)
	if len(differences) == 0 {
		return &Outcome{
			Changed:   false,
			CheckMode: r.CheckMode,
			State:     report(current, args.Name),
		}, nil
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
	logger.Debugf("updating virtual network %q: %v", args.Name, differences)
	updated, err := r.createOrUpdate(ctx, args, *merged)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Updated virtual network %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(updated, args.Name)
	return outcome, nil
}

func (r *Reconciler) createOrUpdate(ctx context.Context, args Args, params armnetwork.VirtualNetwork) (*armnetwork.VirtualNetwork, error) {
	poller, err := r.Clients.VirtualNetworks.BeginCreateOrUpdate(ctx, args.ResourceGroup, args.Name, params, nil)
	var result armnetwork.VirtualNetworksClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating virtual network %q", args.Name)
	}
	return &result.VirtualNetwork, nil
}

func (r *Reconciler) location(ctx context.Context, args Args) (string, error) {
	if args.Location != "" {
		return reconcile.CanonicalLocation(args.Location), nil
	}
	resp, err := r.Clients.ResourceGroups.Get(ctx, args.ResourceGroup, nil)
	if err != nil {
		return "", errors.Annotatef(err, "getting resource group %q", args.ResourceGroup)
	}
	return toValue(resp.ResourceGroup.Location), nil
}

// merge computes the virtual network that satisfies args given the
// current one, along with the names of the properties that differ.
// The current network is not modified.
func merge(args Args, current *armnetwork.VirtualNetwork) (*armnetwork.VirtualNetwork, []string) {
	var differences []string

	currentPrefixes := fromPtrStrings(properties(current).AddressSpace.AddressPrefixes)
	prefixes, changed := mergePrefixes(args, currentPrefixes)
	if changed {
		differences = append(differences, "address_prefixes_cidr")
	}

	var currentDNS []string
	if properties(current).DhcpOptions != nil {
		currentDNS = fromPtrStrings(properties(current).DhcpOptions.DNSServers)
	}
	dnsServers, changed := mergeDNSServers(args, currentDNS)
	if changed {
		differences = append(differences, "dns_servers")
	}

	tags, changed := reconcile.MergeTags(fromTags(current.Tags), args.Tags, args.PurgeTags)
	if changed {
		differences = append(differences, "tags")
	}

	merged := &armnetwork.VirtualNetwork{
		Location: current.Location,
		Tags:     toTags(tags),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{
				AddressPrefixes: to.SliceOfPtrs(prefixes...),
			},
			Subnets: properties(current).Subnets,
		},
	}
	if len(dnsServers) > 0 {
		merged.Properties.DhcpOptions = &armnetwork.DhcpOptions{
			DNSServers: to.SliceOfPtrs(dnsServers...),
		}
	}
	return merged, differences
}

// mergePrefixes adds any missing desired prefixes to the current
// ones. With purge set the result is exactly the desired list.
func mergePrefixes(args Args, current []string) ([]string, bool) {
	currentSet := set.NewStrings(current...)
	desiredSet := set.NewStrings(args.AddressPrefixes...)
	if args.PurgeAddressPrefixes {
		if currentSet.Difference(desiredSet).IsEmpty() && desiredSet.Difference(currentSet).IsEmpty() {
			return current, false
		}
		return args.AddressPrefixes, true
	}
	missing := desiredSet.Difference(currentSet)
	if missing.IsEmpty() {
		return current, false
	}
	merged := append([]string(nil), current...)
	for _, prefix := range args.AddressPrefixes {
		if missing.Contains(prefix) {
			merged = append(merged, prefix)
			missing.Remove(prefix)
		}
	}
	return merged, true
}

// mergeDNSServers replaces the current DNS servers when a desired
// list is declared and differs as a set. Purging clears them.
func mergeDNSServers(args Args, current []string) ([]string, bool) {
	if args.PurgeDNSServers {
		return nil, len(current) > 0
	}
	if len(args.DNSServers) == 0 {
		return current, false
	}
	currentSet := set.NewStrings(current...)
	desiredSet := set.NewStrings(args.DNSServers...)
	if currentSet.Difference(desiredSet).IsEmpty() && desiredSet.Difference(currentSet).IsEmpty() {
		return current, false
	}
	return args.DNSServers, true
}

func report(network *armnetwork.VirtualNetwork, name string) *NetworkState {
	state := &NetworkState{
		ID:       toValue(network.ID),
		Name:     name,
		Location: toValue(network.Location),
		Tags:     fromTags(network.Tags),
	}
	if network.Name != nil {
		state.Name = *network.Name
	}
	props := properties(network)
	state.AddressPrefixes = fromPtrStrings(props.AddressSpace.AddressPrefixes)
	if props.DhcpOptions != nil {
		state.DNSServers = fromPtrStrings(props.DhcpOptions.DNSServers)
	}
	if props.ProvisioningState != nil {
		state.ProvisioningState = string(*props.ProvisioningState)
	}
	return state
}

// properties returns a copy of the network's properties, never nil,
// with a non-nil address space.
func properties(network *armnetwork.VirtualNetwork) *armnetwork.VirtualNetworkPropertiesFormat {
	var props armnetwork.VirtualNetworkPropertiesFormat
	if network.Properties != nil {
		props = *network.Properties
	}
	if props.AddressSpace == nil {
		props.AddressSpace = &armnetwork.AddressSpace{}
	}
	return &props
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

func fromPtrStrings(values []*string) []string {
	result := make([]string, len(values))
	for i, v := range values {
		result[i] = toValue(v)
	}
	return result
}
