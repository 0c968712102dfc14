// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package virtualmachine_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/azuretesting"
	"github.com/juju/azrm/internal/virtualmachine"
)

const (
	nicID = "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/vm00101"
	pipID = "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Network/publicIPAddresses/vm00101"
)

func vmJSON(power string) string {
	return fmt.Sprintf(`{
		"id": "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm001",
		"name": "vm001",
		"location": "westus",
		"tags": {"env": "testing"},
		"properties": {
			"provisioningState": "Succeeded",
			"hardwareProfile": {"vmSize": "Standard_D1"},
			"storageProfile": {
				"imageReference": {
					"publisher": "Canonical", "offer": "UbuntuServer",
					"sku": "16.04-LTS", "version": "16.04.5"
				},
				"osDisk": {
					"name": "vm001", "caching": "ReadOnly", "createOption": "FromImage",
					"vhd": {"uri": "https://vm00101.blob.core.windows.net/vhds/vm001.vhd"}
				}
			},
			"osProfile": {"computerName": "vm001", "adminUsername": "chouseknecht"},
			"networkProfile": {"networkInterfaces": [{"id": "%s"}]},
			"instanceView": {"statuses": [
				{"code": "ProvisioningState/succeeded"},
				{"code": "PowerState/%s"}
			]}
		}
	}`, nicID, power)
}

const nicJSON = `{
	"id": "` + nicID + `",
	"name": "vm00101",
	"properties": {
		"ipConfigurations": [{
			"name": "default",
			"properties": {"privateIPAddress": "10.0.0.4", "privateIPAllocationMethod": "Dynamic"}
		}]
	}
}`

const nicWithPublicIPJSON = `{
	"id": "` + nicID + `",
	"name": "vm00101",
	"properties": {
		"ipConfigurations": [{
			"name": "default",
			"properties": {
				"privateIPAddress": "10.0.0.4",
				"privateIPAllocationMethod": "Dynamic",
				"publicIPAddress": {"id": "` + pipID + `"}
			}
		}]
	}
}`

type vmReconcilerSuite struct {
	jujutesting.IsolationSuite

	sender     *azuretesting.MockSender
	reconciler *virtualmachine.Reconciler
}

var _ = gc.Suite(&vmReconcilerSuite{})

func (s *vmReconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.sender = &azuretesting.MockSender{}
	s.reconciler = &virtualmachine.Reconciler{Clients: s.newClients(c, s.sender)}
}

func (s *vmReconcilerSuite) newClients(c *gc.C, transport policy.Transporter) *azureclients.Clients {
	clients, err := azureclients.NewClients("sub", &azuretesting.FakeCredential{}, &arm.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	return clients
}

func (s *vmReconcilerSuite) args(c *gc.C, overrides map[string]interface{}) virtualmachine.Args {
	raw := map[string]interface{}{
		"resource_group": "rg",
		"name":           "vm001",
		"admin_username": "chouseknecht",
		"admin_password": "Password!",
		"image": map[string]interface{}{
			"publisher": "Canonical",
			"offer":     "UbuntuServer",
			"sku":       "16.04-LTS",
			"version":   "16.04.5",
		},
		"tags": map[string]interface{}{"env": "testing"},
	}
	for k, v := range overrides {
		raw[k] = v
	}
	args, err := virtualmachine.ParseArgs(raw)
	c.Assert(err, jc.ErrorIsNil)
	return args
}

func (s *vmReconcilerSuite) TestIdempotent(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, nil))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsFalse)
	c.Assert(outcome.PowerStateChange, gc.Equals, virtualmachine.PowerStateNone)
	c.Assert(outcome.Actions, gc.HasLen, 0)
	c.Assert(outcome.State, gc.NotNil)
	c.Assert(outcome.State.PowerState, gc.Equals, "running")
	c.Assert(outcome.State.NetworkInterfaces, gc.HasLen, 1)
	c.Assert(outcome.State.NetworkInterfaces[0].Name, gc.Equals, "vm00101")
}

func (s *vmReconcilerSuite) TestPowerOnConvergence(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("deallocated")))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, nil))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.PowerStateChange, gc.Equals, virtualmachine.PowerStateOn)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{"Powered on virtual machine vm001"})
	c.Assert(outcome.State.PowerState, gc.Equals, "running")

	requests := s.sender.Requests()
	c.Assert(requests, gc.HasLen, 4)
	c.Assert(requests[1].Method, gc.Equals, "POST")
	c.Assert(strings.HasSuffix(requests[1].URL.Path, "/start"), jc.IsTrue)
}

func (s *vmReconcilerSuite) TestPowerOffConvergence(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("stopped")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state": "stopped",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.PowerStateChange, gc.Equals, virtualmachine.PowerStateOff)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{"Powered off virtual machine vm001"})

	requests := s.sender.Requests()
	c.Assert(strings.HasSuffix(requests[1].URL.Path, "/powerOff"), jc.IsTrue)
}

func (s *vmReconcilerSuite) TestPresentSkipsPowerManagement(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("deallocated")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state": "present",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsFalse)
	c.Assert(outcome.PowerStateChange, gc.Equals, virtualmachine.PowerStateNone)
}

func (s *vmReconcilerSuite) TestCheckModeReportsDifferences(c *gc.C) {
	s.reconciler.CheckMode = true
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(
		`{"value": [{"name": "Standard_D1"}, {"name": "Standard_D2"}]}`))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"vm_size": "Standard_D2",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.CheckMode, jc.IsTrue)
	c.Assert(outcome.Differences, jc.DeepEquals, []string{"VM Size"})
	c.Assert(outcome.Actions, gc.HasLen, 0)
	c.Assert(outcome.State.VMSize, gc.Equals, "Standard_D2")
	for _, req := range s.sender.Requests() {
		c.Assert(req.Method, gc.Equals, "GET")
	}
}

func (s *vmReconcilerSuite) TestInvalidVMSizeRejected(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(
		`{"value": [{"name": "Standard_D1"}]}`))

	_, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"vm_size": "Standard_D64",
	}))
	c.Assert(err, gc.ErrorMatches, `vm_size "Standard_D64" is not available in location "westus"`)
}

func (s *vmReconcilerSuite) TestAbsentAlreadyMissing(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound))
	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state": "absent",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsFalse)
	c.Assert(s.sender.Requests(), gc.HasLen, 1)
}

func (s *vmReconcilerSuite) TestCreateWithDeclaredInterface(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(`{"value": [{"name": "Standard_D1"}]}`))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(`{"name": "vm00101", "location": "westus"}`))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(nicJSON))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"location":                "westus",
		"network_interface_names": []interface{}{"vm00101"},
		"storage_account_name":    "vm00101",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{"Created VM vm001"})
	c.Assert(outcome.State.VHDURI, gc.Equals, "https://vm00101.blob.core.windows.net/vhds/vm001.vhd")

	var put *http.Request
	for _, req := range s.sender.Requests() {
		if req.Method == "PUT" {
			put = req
		}
	}
	c.Assert(put, gc.NotNil)
	c.Assert(strings.Contains(put.URL.Path, "/virtualMachines/vm001"), jc.IsTrue)
}

func (s *vmReconcilerSuite) TestCreateDefaultInterfaceChain(c *gc.C) {
	responses := []*http.Response{
		azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound),        // GET vm
		azuretesting.NewResponseWithContent(`{"value": [{"name": "Standard_D1"}]}`),     // sizes
		azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound),        // GET nic
		azuretesting.NewResponseWithContent(`{"id": "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Network/virtualNetworks/My_Network1/subnets/default", "name": "default"}`), // GET subnet
		azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound),        // GET pip
		azuretesting.NewResponseWithContent(`{"id": "` + pipID + `", "name": "vm00101"}`), // PUT pip
		azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound),        // GET nsg
		azuretesting.NewResponseWithContent(`{"id": "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Network/networkSecurityGroups/vm00101", "name": "vm00101"}`), // PUT nsg
		azuretesting.NewResponseWithContent(nicJSON),                                    // PUT nic
		azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound),        // GET storage account
		azuretesting.NewResponseWithContent(`{"name": "vm00101", "location": "westus"}`), // PUT storage account
		azuretesting.NewResponseWithContent(vmJSON("running")),                          // PUT vm
		azuretesting.NewResponseWithContent(vmJSON("running")),                          // GET vm
		azuretesting.NewResponseWithContent(nicJSON),                                    // GET nic (report)
	}
	for _, resp := range responses {
		s.sender.AppendResponse(resp)
	}

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"location":             "westus",
		"virtual_network_name": "My_Network1",
		"subnet_name":          "default",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{
		"Created default public IP address vm00101",
		"Created default security group vm00101",
		"Created default network interface vm00101",
		"Created default storage account vm00101",
		"Created VM vm001",
	})
}

func (s *vmReconcilerSuite) TestCreateInCheckMode(c *gc.C) {
	s.reconciler.CheckMode = true
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, nil))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.CheckMode, jc.IsTrue)
	c.Assert(outcome.Actions, gc.HasLen, 0)
	c.Assert(s.sender.Requests(), gc.HasLen, 1)
}

func (s *vmReconcilerSuite) TestCreateRequiresImage(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("404 Not Found", http.StatusNotFound))
	args := s.args(c, nil)
	args.Image = nil
	_, err := s.reconciler.Reconcile(context.Background(), args)
	c.Assert(err, gc.ErrorMatches, "image is required when creating a virtual machine")
}

func (s *vmReconcilerSuite) TestAbsentDeletesOnlyMachineByDefault(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state": "absent",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{"Deleted VM vm001"})
	c.Assert(outcome.DeletedVHDURIs, gc.HasLen, 0)
	c.Assert(outcome.DeletedNetworkInterfaces, gc.HasLen, 0)
	c.Assert(outcome.DeletedPublicIPs, gc.HasLen, 0)

	requests := s.sender.Requests()
	c.Assert(requests, gc.HasLen, 2)
	c.Assert(requests[1].Method, gc.Equals, "DELETE")
	c.Assert(strings.Contains(requests[1].URL.Path, "virtualMachines/vm001"), jc.IsTrue)
}

func (s *vmReconcilerSuite) TestAbsentPublicIPsRequireInterfaceDeletion(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state":             "absent",
		"delete_public_ips": true,
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{"Deleted VM vm001"})
	c.Assert(outcome.DeletedPublicIPs, gc.HasLen, 0)
	c.Assert(s.sender.Requests(), gc.HasLen, 2)
}

func (s *vmReconcilerSuite) TestAbsentDeletesInterfacesWithoutPublicIPs(c *gc.C) {
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	s.sender.AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))

	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state":                     "absent",
		"delete_network_interfaces": true,
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{
		"Deleted VM vm001",
		"Deleted network interface vm00101",
	})
	c.Assert(outcome.DeletedNetworkInterfaces, jc.DeepEquals, []string{"vm00101"})
	c.Assert(outcome.DeletedPublicIPs, gc.HasLen, 0)

	requests := s.sender.Requests()
	c.Assert(requests, gc.HasLen, 3)
	c.Assert(requests[2].Method, gc.Equals, "DELETE")
	c.Assert(strings.Contains(requests[2].URL.Path, "networkInterfaces/vm00101"), jc.IsTrue)
}

func (s *vmReconcilerSuite) cascadeSenders() (*azuretesting.Senders, map[string]*azuretesting.MockSender) {
	senders := &azuretesting.Senders{}
	byName := map[string]*azuretesting.MockSender{
		"vm":   {PathPattern: "virtualMachines"},
		"nic":  {PathPattern: "networkInterfaces"},
		"keys": {PathPattern: "listKeys"},
		"blob": {PathPattern: `\.vhd$`},
		"pip":  {PathPattern: "publicIPAddresses"},
	}
	senders.Append(byName["keys"], byName["vm"], byName["nic"], byName["blob"], byName["pip"])
	return senders, byName
}

func (s *vmReconcilerSuite) TestAbsentCascadeOrdering(c *gc.C) {
	senders, byName := s.cascadeSenders()
	byName["vm"].AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	byName["vm"].AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	byName["nic"].AppendResponse(azuretesting.NewResponseWithContent(nicWithPublicIPJSON))
	byName["nic"].AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	byName["keys"].AppendResponse(azuretesting.NewResponseWithContent(
		`{"keys": [{"keyName": "key1", "value": "Zm9vYmFyMTIzNDU2Nzg5MA=="}]}`))
	byName["blob"].AppendResponse(azuretesting.NewResponseWithStatus("202 Accepted", http.StatusAccepted))
	byName["pip"].AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))

	reconciler := &virtualmachine.Reconciler{Clients: s.newClients(c, senders)}
	outcome, err := reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state":                     "absent",
		"delete_virtual_storage":    true,
		"delete_network_interfaces": true,
		"delete_public_ips":         true,
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.Actions, jc.DeepEquals, []string{
		"Deleted VM vm001",
		"Deleted blob vhds:vm001.vhd",
		"Deleted network interface vm00101",
		"Deleted public IP address vm00101",
	})
	c.Assert(outcome.DeletedVHDURIs, jc.DeepEquals,
		[]string{"https://vm00101.blob.core.windows.net/vhds/vm001.vhd"})
	c.Assert(outcome.DeletedNetworkInterfaces, jc.DeepEquals, []string{"vm00101"})
	c.Assert(outcome.DeletedPublicIPs, jc.DeepEquals, []string{"vm00101"})

	var deletes []string
	for _, req := range senders.Requests() {
		if req.Method == "DELETE" {
			deletes = append(deletes, req.URL.Path)
		}
	}
	c.Assert(deletes, gc.HasLen, 4)
	c.Assert(strings.Contains(deletes[0], "virtualMachines/vm001"), jc.IsTrue)
	c.Assert(strings.HasSuffix(deletes[1], "/vhds/vm001.vhd"), jc.IsTrue)
	c.Assert(strings.Contains(deletes[2], "networkInterfaces/vm00101"), jc.IsTrue)
	c.Assert(strings.Contains(deletes[3], "publicIPAddresses/vm00101"), jc.IsTrue)
}

func (s *vmReconcilerSuite) TestAbsentCascadeAbortsOnFailure(c *gc.C) {
	senders, byName := s.cascadeSenders()
	byName["vm"].AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	byName["vm"].AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	byName["nic"].AppendResponse(azuretesting.NewResponseWithContent(nicWithPublicIPJSON))
	byName["nic"].AppendResponse(azuretesting.NewResponseWithStatus("200 OK", http.StatusOK))
	byName["keys"].AppendResponse(azuretesting.NewResponseWithContent(
		`{"keys": [{"keyName": "key1", "value": "Zm9vYmFyMTIzNDU2Nzg5MA=="}]}`))
	byName["blob"].AppendResponse(azuretesting.NewResponseWithStatus(
		"500 Internal Server Error", http.StatusInternalServerError))

	reconciler := &virtualmachine.Reconciler{Clients: s.newClients(c, senders)}
	_, err := reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state":                     "absent",
		"delete_virtual_storage":    true,
		"delete_network_interfaces": true,
		"delete_public_ips":         true,
	}))
	c.Assert(err, gc.ErrorMatches, "(?s)deleting blob.*")

	// The interface and public IP survive the aborted cascade.
	c.Assert(byName["nic"].HasResponses(), jc.IsTrue)
	c.Assert(byName["pip"].Requests(), gc.HasLen, 0)
}

func (s *vmReconcilerSuite) TestAbsentInCheckMode(c *gc.C) {
	s.reconciler.CheckMode = true
	s.sender.AppendResponse(azuretesting.NewResponseWithContent(vmJSON("running")))
	outcome, err := s.reconciler.Reconcile(context.Background(), s.args(c, map[string]interface{}{
		"state": "absent",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(outcome.Changed, jc.IsTrue)
	c.Assert(outcome.Actions, gc.HasLen, 0)
	c.Assert(s.sender.Requests(), gc.HasLen, 1)
}
