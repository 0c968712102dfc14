// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/errorutils"
	"github.com/juju/azrm/internal/imageutils"
	"github.com/juju/azrm/internal/reconcile"
)

var logger = loggo.GetLogger("azrm.virtualmachine")

// Power state transitions reported in an outcome.
const (
	PowerStateNone = "none"
	PowerStateOn   = "poweron"
	PowerStateOff  = "poweroff"
)

// The power state of a machine that is booted and executing.
const powerStateRunning = "running"

// Reconciler drives one virtual machine towards its desired state.
type Reconciler struct {
	Clients   *azureclients.Clients
	CheckMode bool
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Changed                  bool          `json:"changed" yaml:"changed"`
	CheckMode                bool          `json:"check_mode,omitempty" yaml:"check_mode,omitempty"`
	Differences              []string      `json:"differences,omitempty" yaml:"differences,omitempty"`
	Actions                  []string      `json:"actions,omitempty" yaml:"actions,omitempty"`
	PowerStateChange         string        `json:"power_state_change,omitempty" yaml:"power_state_change,omitempty"`
	DeletedVHDURIs           []string      `json:"deleted_vhd_uris,omitempty" yaml:"deleted_vhd_uris,omitempty"`
	DeletedNetworkInterfaces []string      `json:"deleted_network_interfaces,omitempty" yaml:"deleted_network_interfaces,omitempty"`
	DeletedPublicIPs         []string      `json:"deleted_public_ips,omitempty" yaml:"deleted_public_ips,omitempty"`
	State                    *MachineState `json:"state,omitempty" yaml:"state,omitempty"`
}

// Reconcile converges the virtual machine named in args on the
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

// fetch returns the machine with its instance view, or nil if it does
// not exist.
func (r *Reconciler) fetch(ctx context.Context, resourceGroup, name string) (*armcompute.VirtualMachine, error) {
	resp, err := r.Clients.VirtualMachines.Get(ctx, resourceGroup, name, &armcompute.VirtualMachinesClientGetOptions{
		Expand: to.Ptr(armcompute.InstanceViewTypesInstanceView),
	})
	if errorutils.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting virtual machine %q", name)
	}
	return &resp.VirtualMachine, nil
}

func (r *Reconciler) update(ctx context.Context, args Args, current *armcompute.VirtualMachine) (*Outcome, error) {
	if err := reconcile.CheckProvisioningState(
		"virtual machine", args.Name, toValue(currentProperties(current).ProvisioningState), args.State,
	); err != nil {
		return nil, errors.Trace(err)
	}

	location := toValue(current.Location)
	if err := r.resolveImageVersion(ctx, &args, location); err != nil {
		return nil, errors.Trace(err)
	}
	var nicIDs []string
	if len(args.NetworkInterfaceNames) > 0 {
		var err error
		nicIDs, err = r.resolveNetworkInterfaces(ctx, args)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	merged, differences := merge(args, nicIDs, current)
	if len(differences) > 0 && vmSize(current) != args.VMSize {
		if err := r.validateVMSize(ctx, location, args.VMSize); err != nil {
			return nil, errors.Trace(err)
		}
	}

	change, err := powerChange(args, current)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if len(differences) == 0 && change == PowerStateNone {
		state, err := r.report(ctx, current)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Outcome{
			Changed:          false,
			CheckMode:        r.CheckMode,
			PowerStateChange: PowerStateNone,
			State:            state,
		}, nil
	}

	outcome := &Outcome{
		Changed:          true,
		CheckMode:        r.CheckMode,
		Differences:      differences,
		PowerStateChange: change,
	}
	if r.CheckMode {
		state, err := r.report(ctx, merged)
		if err != nil {
			return nil, errors.Trace(err)
		}
		outcome.State = state
		return outcome, nil
	}

	var actions reconcile.ActionLog
	if len(differences) > 0 {
		logger.Debugf("updating virtual machine %q: %v", args.Name, differences)
		if _, err := r.createOrUpdate(ctx, args, *merged); err != nil {
			return nil, errors.Trace(err)
		}
		actions.Addf("Updated VM %s", args.Name)
	}
	if err := r.applyPowerChange(ctx, args, change, &actions); err != nil {
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

// powerChange determines the power transition required to satisfy the
// declared state, given the machine's instance view.
func powerChange(args Args, current *armcompute.VirtualMachine) (string, error) {
	if args.State != reconcile.Started && args.State != reconcile.Stopped {
		return PowerStateNone, nil
	}
	power := powerState(current)
	if power == "" {
		return "", errors.Errorf("failed to determine the power state of virtual machine %q", args.Name)
	}
	running := power == powerStateRunning
	if args.State == reconcile.Started && !running {
		return PowerStateOn, nil
	}
	if args.State == reconcile.Stopped && running {
		return PowerStateOff, nil
	}
	return PowerStateNone, nil
}

func (r *Reconciler) applyPowerChange(ctx context.Context, args Args, change string, actions *reconcile.ActionLog) error {
	switch change {
	case PowerStateOn:
		logger.Debugf("powering on virtual machine %q", args.Name)
		poller, err := r.Clients.VirtualMachines.BeginStart(ctx, args.ResourceGroup, args.Name, nil)
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
		if err != nil {
			return errors.Annotatef(err, "powering on virtual machine %q", args.Name)
		}
		actions.Addf("Powered on virtual machine %s", args.Name)
	case PowerStateOff:
		logger.Debugf("powering off virtual machine %q", args.Name)
		poller, err := r.Clients.VirtualMachines.BeginPowerOff(ctx, args.ResourceGroup, args.Name, nil)
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
		if err != nil {
			return errors.Annotatef(err, "powering off virtual machine %q", args.Name)
		}
		actions.Addf("Powered off virtual machine %s", args.Name)
	}
	return nil
}

func (r *Reconciler) createOrUpdate(ctx context.Context, args Args, params armcompute.VirtualMachine) (*armcompute.VirtualMachine, error) {
	poller, err := r.Clients.VirtualMachines.BeginCreateOrUpdate(ctx, args.ResourceGroup, args.Name, params, nil)
	var result armcompute.VirtualMachinesClientCreateOrUpdateResponse
	if err == nil {
		result, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating virtual machine %q", args.Name)
	}
	return &result.VirtualMachine, nil
}

// resolveImageVersion replaces a "latest" image version in args with
// the newest one in the catalogue.
func (r *Reconciler) resolveImageVersion(ctx context.Context, args *Args, location string) error {
	if args.Image == nil || args.Image.Version != imageutils.LatestVersion {
		return nil
	}
	version, err := imageutils.ChooseVersion(
		ctx, r.Clients.VirtualMachineImages, location,
		args.Image.Publisher, args.Image.Offer, args.Image.SKU, args.Image.Version,
	)
	if err != nil {
		return errors.Trace(err)
	}
	image := *args.Image
	image.Version = version
	args.Image = &image
	return nil
}

// resolveNetworkInterfaces maps the declared interface names to their
// resource IDs. Names may be qualified as "resourcegroup/name".
func (r *Reconciler) resolveNetworkInterfaces(ctx context.Context, args Args) ([]string, error) {
	ids := make([]string, len(args.NetworkInterfaceNames))
	for i, name := range args.NetworkInterfaceNames {
		resourceGroup := args.ResourceGroup
		if parts := strings.SplitN(name, "/", 2); len(parts) == 2 {
			resourceGroup, name = parts[0], parts[1]
		}
		resp, err := r.Clients.Interfaces.Get(ctx, resourceGroup, name, nil)
		if err != nil {
			return nil, errors.Annotatef(err, "getting network interface %q", name)
		}
		ids[i] = toValue(resp.Interface.ID)
	}
	return ids, nil
}

// validateVMSize checks that the hardware size is offered in the
// machine's location.
func (r *Reconciler) validateVMSize(ctx context.Context, location, size string) error {
	pager := r.Clients.VirtualMachineSizes.NewListPager(location, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Annotatef(err, "listing virtual machine sizes in %q", location)
		}
		for _, candidate := range page.Value {
			if candidate != nil && toValue(candidate.Name) == size {
				return nil
			}
		}
	}
	return errors.Errorf("vm_size %q is not available in location %q", size, location)
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

// powerState extracts the power state from the machine's instance
// view, e.g. "running" or "deallocated". It returns "" when the view
// carries no power status.
func powerState(machine *armcompute.VirtualMachine) string {
	props := currentProperties(machine)
	if props.InstanceView == nil {
		return ""
	}
	for _, status := range props.InstanceView.Statuses {
		code := toValue(status.Code)
		if strings.HasPrefix(code, "PowerState/") {
			return strings.TrimPrefix(code, "PowerState/")
		}
	}
	return ""
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
