// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azureclients

import (
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/juju/errors"
)

// EnvironCredential builds a token credential from the environment.
// When a service principal is fully specified via AZURE_CLIENT_ID,
// AZURE_SECRET (or AZURE_CLIENT_SECRET) and AZURE_TENANT (or
// AZURE_TENANT_ID), a client secret credential is used; otherwise the
// default credential chain applies.
func EnvironCredential() (azcore.TokenCredential, error) {
	clientID := os.Getenv("AZURE_CLIENT_ID")
	secret := firstEnv("AZURE_SECRET", "AZURE_CLIENT_SECRET")
	tenantID := firstEnv("AZURE_TENANT", "AZURE_TENANT_ID")
	if clientID != "" && secret != "" && tenantID != "" {
		credential, err := azidentity.NewClientSecretCredential(tenantID, clientID, secret, nil)
		if err != nil {
			return nil, errors.Annotate(err, "creating service principal credential")
		}
		return credential, nil
	}
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating default credential")
	}
	return credential, nil
}

// SubscriptionID returns the subscription from the environment.
func SubscriptionID() (string, error) {
	if id := os.Getenv("AZURE_SUBSCRIPTION_ID"); id != "" {
		return id, nil
	}
	return "", errors.NotFoundf("AZURE_SUBSCRIPTION_ID in environment")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
