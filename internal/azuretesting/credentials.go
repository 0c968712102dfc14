// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azuretesting

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// FakeCredential is an azcore.TokenCredential that always succeeds.
type FakeCredential struct{}

// GetToken implements azcore.TokenCredential.
func (FakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     "FakeToken",
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}
