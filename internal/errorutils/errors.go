// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errorutils classifies the errors returned by the Azure
// Resource Manager APIs.
package errorutils

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/juju/errors"
)

// MaybeStatusCode returns the HTTP status code carried by err, if
// there is one, else 0. The error may be wrapped.
func MaybeStatusCode(err error) int {
	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode
	}
	return 0
}

// IsNotFoundError reports whether err represents a missing resource.
// A not-found result is not a failure for a reconciler; it is the
// signal that the resource must be created if the desired intent
// requires it to exist.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode == http.StatusNotFound ||
			responseErr.ErrorCode == "NotFound" ||
			responseErr.ErrorCode == "ResourceNotFound" ||
			responseErr.ErrorCode == "ResourceGroupNotFound"
	}
	return false
}

// IsConflictError reports whether err represents a conflicting
// operation already in progress on the resource.
func IsConflictError(err error) bool {
	return MaybeStatusCode(err) == http.StatusConflict
}

// IsForbiddenError reports whether the credential used is not
// permitted to perform the attempted operation.
func IsForbiddenError(err error) bool {
	return MaybeStatusCode(err) == http.StatusForbidden
}
