// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconcile_test

import (
	stdtesting "testing"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/azrm/internal/reconcile"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type reconcileSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&reconcileSuite{})

func (*reconcileSuite) TestMergeTagsAppend(c *gc.C) {
	current := map[string]string{"a": "1", "b": "2"}
	desired := map[string]string{"b": "3", "c": "4"}
	merged, changed := reconcile.MergeTags(current, desired, false)
	c.Assert(changed, jc.IsTrue)
	c.Assert(merged, jc.DeepEquals, map[string]string{"a": "1", "b": "3", "c": "4"})
}

func (*reconcileSuite) TestMergeTagsPurge(c *gc.C) {
	current := map[string]string{"a": "1", "b": "2"}
	desired := map[string]string{"b": "3", "c": "4"}
	merged, changed := reconcile.MergeTags(current, desired, true)
	c.Assert(changed, jc.IsTrue)
	c.Assert(merged, jc.DeepEquals, map[string]string{"b": "3", "c": "4"})
}

func (*reconcileSuite) TestMergeTagsNoChange(c *gc.C) {
	current := map[string]string{"a": "1", "b": "2"}
	desired := map[string]string{"a": "1"}
	merged, changed := reconcile.MergeTags(current, desired, false)
	c.Assert(changed, jc.IsFalse)
	c.Assert(merged, jc.DeepEquals, current)
}

func (*reconcileSuite) TestMergeTagsPurgeIdempotent(c *gc.C) {
	current := map[string]string{"a": "1"}
	desired := map[string]string{"a": "1"}
	merged, changed := reconcile.MergeTags(current, desired, true)
	c.Assert(changed, jc.IsFalse)
	c.Assert(merged, jc.DeepEquals, desired)
}

func (*reconcileSuite) TestMergeTagsEmptyDesiredPurge(c *gc.C) {
	current := map[string]string{"a": "1"}
	merged, changed := reconcile.MergeTags(current, nil, true)
	c.Assert(changed, jc.IsTrue)
	c.Assert(merged, gc.HasLen, 0)
}

func (*reconcileSuite) TestActionLog(c *gc.C) {
	var log reconcile.ActionLog
	log.Addf("Created VM %s", "vm001")
	log.Addf("Powered on virtual machine %s", "vm001")
	c.Assert([]string(log), jc.DeepEquals, []string{
		"Created VM vm001",
		"Powered on virtual machine vm001",
	})
}

func (*reconcileSuite) TestStateWantsExisting(c *gc.C) {
	c.Assert(reconcile.Present.WantsExisting(), jc.IsTrue)
	c.Assert(reconcile.Started.WantsExisting(), jc.IsTrue)
	c.Assert(reconcile.Stopped.WantsExisting(), jc.IsTrue)
	c.Assert(reconcile.Absent.WantsExisting(), jc.IsFalse)
}

func (*reconcileSuite) TestCheckProvisioningState(c *gc.C) {
	err := reconcile.CheckProvisioningState("virtual machine", "vm001", "Succeeded", reconcile.Present)
	c.Assert(err, jc.ErrorIsNil)

	err = reconcile.CheckProvisioningState("virtual machine", "vm001", "Updating", reconcile.Present)
	c.Assert(err, gc.ErrorMatches,
		`virtual machine "vm001" is in provisioning state "Updating"; it must reach state "Succeeded" before it can be managed`)

	err = reconcile.CheckProvisioningState("virtual machine", "vm001", "Updating", reconcile.Absent)
	c.Assert(err, jc.ErrorIsNil)
}

func (*reconcileSuite) TestParseBlobURI(c *gc.C) {
	loc, err := reconcile.ParseBlobURI("https://acct01.blob.core.windows.net/vhds/vm001.vhd")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc, gc.Equals, reconcile.BlobLocation{
		Account:   "acct01",
		Container: "vhds",
		Blob:      "vm001.vhd",
	})
	c.Assert(loc.ServiceURL(), gc.Equals, "https://acct01.blob.core.windows.net/")
	c.Assert(loc.URI(), gc.Equals, "https://acct01.blob.core.windows.net/vhds/vm001.vhd")
}

func (*reconcileSuite) TestParseBlobURINestedBlobName(c *gc.C) {
	loc, err := reconcile.ParseBlobURI("https://acct01.blob.core.windows.net/vhds/images/vm001.vhd")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(loc.Container, gc.Equals, "vhds")
	c.Assert(loc.Blob, gc.Equals, "images/vm001.vhd")
}

func (*reconcileSuite) TestParseBlobURIInvalid(c *gc.C) {
	for _, uri := range []string{
		"",
		"https://acct01.blob.core.windows.net/vhds",
		"http://acct01.blob.core.windows.net/vhds/vm001.vhd",
		"https://example.com/vhds/vm001.vhd",
	} {
		_, err := reconcile.ParseBlobURI(uri)
		c.Assert(err, jc.ErrorIs, errors.NotValid, gc.Commentf("uri %q", uri))
	}
}

func (*reconcileSuite) TestValidateResourceName(c *gc.C) {
	c.Assert(reconcile.ValidateResourceName("My_Network1"), jc.ErrorIsNil)
	c.Assert(reconcile.ValidateResourceName("net01"), jc.ErrorIsNil)
	c.Assert(reconcile.ValidateResourceName("a"), jc.ErrorIsNil)
	c.Assert(reconcile.ValidateResourceName("ends_"), jc.ErrorIsNil)

	c.Assert(reconcile.ValidateResourceName("my-network-"), jc.ErrorIs, errors.NotValid)
	c.Assert(reconcile.ValidateResourceName(""), jc.ErrorIs, errors.NotValid)
	c.Assert(reconcile.ValidateResourceName("has space"), jc.ErrorIs, errors.NotValid)
	c.Assert(reconcile.ValidateResourceName("dotted.name"), jc.ErrorIs, errors.NotValid)
}

func (*reconcileSuite) TestValidateCIDR(c *gc.C) {
	c.Assert(reconcile.ValidateCIDR("10.0.0.0/16"), jc.ErrorIsNil)
	c.Assert(reconcile.ValidateCIDR("fd00::/64"), jc.ErrorIsNil)
	c.Assert(reconcile.ValidateCIDR("10.0.0.0"), jc.ErrorIs, errors.NotValid)
	c.Assert(reconcile.ValidateCIDR("banana"), jc.ErrorIs, errors.NotValid)
}

func (*reconcileSuite) TestCanonicalLocation(c *gc.C) {
	c.Assert(reconcile.CanonicalLocation("West US"), gc.Equals, "westus")
	c.Assert(reconcile.CanonicalLocation("westus"), gc.Equals, "westus")
}
