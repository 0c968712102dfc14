// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command azrm reconciles Azure resources against a declared desired
// state. Each subcommand reads a parameter document (YAML or JSON)
// and prints the reconciliation outcome.
//
//	azrm virtualmachine -f params.yaml
//	azrm virtualnetwork -f params.yaml --check
//	azrm resourcegroup -f params.yaml --output yaml
//	azrm publicipaddress -f params.yaml
//
// Credentials come from the environment: AZURE_SUBSCRIPTION_ID plus
// either a service principal (AZURE_CLIENT_ID, AZURE_SECRET,
// AZURE_TENANT) or whatever the default credential chain finds.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/juju/azrm/internal/azureclients"
	"github.com/juju/azrm/internal/publicipaddress"
	"github.com/juju/azrm/internal/resourcegroup"
	"github.com/juju/azrm/internal/virtualmachine"
	"github.com/juju/azrm/internal/virtualnetwork"
)

var logger = loggo.GetLogger("azrm.cmd")

const usageText = `usage: azrm <reconciler> [options]

reconcilers:
    virtualmachine     converge a virtual machine
    virtualnetwork     converge a virtual network
    resourcegroup      converge a resource group
    publicipaddress    converge a public IP address

options:
    -f, --file <path>  parameter document, "-" for stdin (default "-")
    --check            report what would change without changing it
    --output <format>  outcome format, json or yaml (default "json")
    --debug            enable debug logging
`

func main() {
	os.Exit(Main(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Main runs the command and returns its exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 || args[1] == "help" || args[1] == "--help" {
		fmt.Fprint(stderr, usageText)
		return 2
	}
	command := args[1]

	flags := gnuflag.NewFlagSet(command, gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		file   string
		check  bool
		output string
		debug  bool
	)
	flags.StringVar(&file, "f", "-", "parameter document, \"-\" for stdin")
	flags.StringVar(&file, "file", "-", "")
	flags.BoolVar(&check, "check", false, "report what would change without changing it")
	flags.StringVar(&output, "output", "json", "outcome format, json or yaml")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	if err := flags.Parse(true, args[2:]); err != nil {
		return 2
	}
	if output != "json" && output != "yaml" {
		return fail(stdout, errors.NotValidf("output format %q", output))
	}
	configureLogging(debug)

	raw, err := readParams(file, stdin)
	if err != nil {
		return fail(stdout, err)
	}
	outcome, err := run(context.Background(), command, raw, check)
	if err != nil {
		return fail(stdout, err)
	}
	if err := emit(stdout, outcome, output); err != nil {
		return fail(stdout, err)
	}
	return 0
}

func run(ctx context.Context, command string, raw map[string]interface{}, check bool) (interface{}, error) {
	subscriptionID, err := azureclients.SubscriptionID()
	if err != nil {
		return nil, errors.Trace(err)
	}
	credential, err := azureclients.EnvironCredential()
	if err != nil {
		return nil, errors.Trace(err)
	}
	clients, err := azureclients.NewClients(subscriptionID, credential, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	logger.Debugf("reconciling %s (check=%v)", command, check)
	switch command {
	case "virtualmachine", "vm":
		args, err := virtualmachine.ParseArgs(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reconciler := &virtualmachine.Reconciler{Clients: clients, CheckMode: check}
		return reconciler.Reconcile(ctx, args)
	case "virtualnetwork", "vnet":
		args, err := virtualnetwork.ParseArgs(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reconciler := &virtualnetwork.Reconciler{Clients: clients, CheckMode: check}
		return reconciler.Reconcile(ctx, args)
	case "resourcegroup", "rg":
		args, err := resourcegroup.ParseArgs(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reconciler := &resourcegroup.Reconciler{Clients: clients, CheckMode: check}
		return reconciler.Reconcile(ctx, args)
	case "publicipaddress", "pip":
		args, err := publicipaddress.ParseArgs(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reconciler := &publicipaddress.Reconciler{Clients: clients, CheckMode: check}
		return reconciler.Reconcile(ctx, args)
	}
	return nil, errors.NotFoundf("reconciler %q", command)
}

func readParams(file string, stdin io.Reader) (map[string]interface{}, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, errors.Annotate(err, "reading parameters")
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "parsing parameters")
	}
	return raw, nil
}

func emit(w io.Writer, outcome interface{}, format string) error {
	if format == "yaml" {
		data, err := yaml.Marshal(outcome)
		if err != nil {
			return errors.Trace(err)
		}
		_, err = w.Write(data)
		return errors.Trace(err)
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Trace(encoder.Encode(outcome))
}

// fail prints the failure document and returns the failure exit code.
func fail(w io.Writer, err error) int {
	doc := map[string]interface{}{
		"failed": true,
		"msg":    err.Error(),
	}
	data, marshalErr := json.MarshalIndent(doc, "", "  ")
	if marshalErr != nil {
		fmt.Fprintln(w, err.Error())
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 1
}

func configureLogging(debug bool) {
	spec := "<root>=WARNING"
	if debug {
		spec = "<root>=DEBUG"
	}
	if err := loggo.ConfigureLoggers(spec); err != nil {
		fmt.Fprintf(os.Stderr, "configuring logging: %v\n", err)
	}
}
