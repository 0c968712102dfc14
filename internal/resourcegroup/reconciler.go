// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resourcegroup reconciles resource groups, the containers
// every other resource lives in.
package resourcegroup

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/schema"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/errorutils"
	"github.com/juju/azrm/internal/reconcile"
)

var logger = loggo.GetLogger("azrm.resourcegroup")

// Args is the desired state declared for one resource group.
type Args struct {
	Name      string
	State     reconcile.State
	Location  string
	Tags      map[string]string
	PurgeTags bool
	Force     bool
}

var argsChecker = schema.FieldMap(schema.Fields{
	"name":       schema.String(),
	"state":      schema.String(),
	"location":   schema.String(),
	"tags":       schema.StringMap(schema.String()),
	"purge_tags": schema.Bool(),
	"force":      schema.Bool(),
}, schema.Defaults{
	"state":      string(reconcile.Present),
	"location":   schema.Omit,
	"tags":       schema.Omit,
	"purge_tags": false,
	"force":      false,
})

// ParseArgs validates and coerces a raw parameter document.
func ParseArgs(raw map[string]interface{}) (Args, error) {
	coerced, err := argsChecker.Coerce(raw, nil)
	if err != nil {
		return Args{}, errors.Annotate(err, "validating resource group parameters")
	}
	attrs := coerced.(map[string]interface{})
	args := Args{
		Name:      attrs["name"].(string),
		State:     reconcile.State(attrs["state"].(string)),
		Tags:      reconcile.StringMap(attrs["tags"]),
		PurgeTags: attrs["purge_tags"].(bool),
		Force:     attrs["force"].(bool),
	}
	if v, ok := attrs["location"]; ok {
		args.Location = v.(string)
	}
	switch args.State {
	case reconcile.Present, reconcile.Absent:
	default:
		return Args{}, errors.NotValidf("state %q", args.State)
	}
	return args, nil
}

// GroupState reports the observed (or projected) resource group.
type GroupState struct {
	ID                string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string            `json:"name" yaml:"name"`
	Location          string            `json:"location" yaml:"location"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ProvisioningState string            `json:"provisioning_state,omitempty" yaml:"provisioning_state,omitempty"`
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Changed     bool        `json:"changed" yaml:"changed"`
	CheckMode   bool        `json:"check_mode,omitempty" yaml:"check_mode,omitempty"`
	Differences []string    `json:"differences,omitempty" yaml:"differences,omitempty"`
	Actions     []string    `json:"actions,omitempty" yaml:"actions,omitempty"`
	State       *GroupState `json:"state,omitempty" yaml:"state,omitempty"`
}

// Reconciler drives one resource group towards its desired state.
type Reconciler struct {
	Clients   *azureclients.Clients
	CheckMode bool
}

// Reconcile converges the resource group named in args on the
// declared desired state.
func (r *Reconciler) Reconcile(ctx context.Context, args Args) (*Outcome, error) {
	current, err := r.fetch(ctx, args.Name)
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

func (r *Reconciler) fetch(ctx context.Context, name string) (*armresources.ResourceGroup, error) {
	resp, err := r.Clients.ResourceGroups.Get(ctx, name, nil)
	if errorutils.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "getting resource group %q", name)
	}
	return &resp.ResourceGroup, nil
}

func (r *Reconciler) create(ctx context.Context, args Args) (*Outcome, error) {
	if args.Location == "" {
		return nil, errors.NewNotValid(nil, "location is required when creating a resource group")
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: []string{"state"},
	}
	if r.CheckMode {
		outcome.State = &GroupState{
			Name:     args.Name,
			Location: reconcile.CanonicalLocation(args.Location),
			Tags:     args.Tags,
		}
		return outcome, nil
	}
	logger.Debugf("creating resource group %q in %q", args.Name, args.Location)
	created, err := r.createOrUpdate(ctx, args.Name, armresources.ResourceGroup{
		Location: to.Ptr(reconcile.CanonicalLocation(args.Location)),
		Tags:     toTags(args.Tags),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Created resource group %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(created)
	return outcome, nil
}

func (r *Reconciler) update(ctx context.Context, args Args, current *armresources.ResourceGroup) (*Outcome, error) {
	if args.Location != "" && reconcile.CanonicalLocation(args.Location) != reconcile.CanonicalLocation(toValue(current.Location)) {
		return nil, errors.Errorf(
			"resource group %q exists in location %q; it cannot be moved to %q",
			args.Name, toValue(current.Location), args.Location,
		)
	}
	tags, changed := reconcile.MergeTags(fromTags(current.Tags), args.Tags, args.PurgeTags)
	if !changed {
		return &Outcome{Changed: false, CheckMode: r.CheckMode, State: report(current)}, nil
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: []string{"tags"},
	}
	if r.CheckMode {
		projected := *current
		projected.Tags = toTags(tags)
		outcome.State = report(&projected)
		return outcome, nil
	}
	updated, err := r.createOrUpdate(ctx, args.Name, armresources.ResourceGroup{
		Location: current.Location,
		Tags:     toTags(tags),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions reconcile.ActionLog
	actions.Addf("Updated resource group %s", args.Name)
	outcome.Actions = actions
	outcome.State = report(updated)
	return outcome, nil
}

func (r *Reconciler) reconcileAbsent(ctx context.Context, args Args, current *armresources.ResourceGroup) (*Outcome, error) {
	if current == nil {
		return &Outcome{Changed: false, CheckMode: r.CheckMode}, nil
	}
	if !args.Force {
		empty, err := r.isEmpty(ctx, args.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !empty {
			return nil, errors.Errorf(
				"resource group %q is not empty; use force to delete it anyway", args.Name)
		}
	}
	outcome := &Outcome{
		Changed:     true,
		CheckMode:   r.CheckMode,
		Differences: []string{"state"},
	}
	if r.CheckMode {
		return outcome, nil
	}
	logger.Debugf("deleting resource group %q", args.Name)
	poller, err := r.Clients.ResourceGroups.BeginDelete(ctx, args.Name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "deleting resource group %q", args.Name)
	}
	var actions reconcile.ActionLog
	actions.Addf("Deleted resource group %s", args.Name)
	outcome.Actions = actions
	return outcome, nil
}

// isEmpty reports whether the group contains no resources.
func (r *Reconciler) isEmpty(ctx context.Context, name string) (bool, error) {
	pager := r.Clients.Resources.NewListByResourceGroupPager(name, &armresources.ClientListByResourceGroupOptions{
		Top: to.Ptr[int32](1),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, errors.Annotatef(err, "listing resources in resource group %q", name)
		}
		if len(page.Value) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reconciler) createOrUpdate(ctx context.Context, name string, params armresources.ResourceGroup) (*armresources.ResourceGroup, error) {
	resp, err := r.Clients.ResourceGroups.CreateOrUpdate(ctx, name, params, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "creating resource group %q", name)
	}
	return &resp.ResourceGroup, nil
}

func report(group *armresources.ResourceGroup) *GroupState {
	state := &GroupState{
		ID:       toValue(group.ID),
		Name:     toValue(group.Name),
		Location: toValue(group.Location),
		Tags:     fromTags(group.Tags),
	}
	if group.Properties != nil {
		state.ProvisioningState = toValue(group.Properties.ProvisioningState)
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
