// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconcile holds the primitives shared by the resource
// reconcilers: lifecycle intents, the action log, tag merging,
// provisioning-state gating and input validation helpers.
package reconcile

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// State is the lifecycle intent declared for a resource.
type State string

const (
	Present State = "present"
	Absent  State = "absent"
	Started State = "started"
	Stopped State = "stopped"
)

// WantsExisting reports whether the intent requires the resource to
// exist.
func (s State) WantsExisting() bool {
	return s != Absent
}

// ActionLog is the append-only audit trail of the side effects
// performed during one reconciliation pass.
type ActionLog []string

// Addf appends a formatted entry to the log.
func (l *ActionLog) Addf(format string, args ...interface{}) {
	*l = append(*l, fmt.Sprintf(format, args...))
}

// MergeTags reconciles desired tags against the current ones. Desired
// entries always win; current entries not named in desired survive
// unless purge is set. The second return value reports whether the
// merge differs from current.
func MergeTags(current, desired map[string]string, purge bool) (map[string]string, bool) {
	merged := make(map[string]string, len(current)+len(desired))
	for k, v := range current {
		merged[k] = v
	}
	changed := false
	for k, v := range desired {
		if existing, ok := merged[k]; !ok || existing != v {
			changed = true
		}
		merged[k] = v
	}
	if purge {
		for k := range merged {
			if _, ok := desired[k]; !ok {
				delete(merged, k)
				changed = true
			}
		}
	}
	return merged, changed
}

// ProvisioningSucceeded is the terminal successful provisioning state
// reported by the Resource Manager APIs.
const ProvisioningSucceeded = "Succeeded"

// CheckProvisioningState fails when a fetched resource is not in the
// terminal succeeded provisioning state. A resource about to be
// deleted is exempt; anything else must settle before it can be
// reconciled.
func CheckProvisioningState(kind, name, provisioningState string, intent State) error {
	if intent == Absent || provisioningState == ProvisioningSucceeded {
		return nil
	}
	return errors.Errorf(
		"%s %q is in provisioning state %q; it must reach state %q before it can be managed",
		kind, name, provisioningState, ProvisioningSucceeded,
	)
}

// BlobLocation identifies a VHD blob within a storage account.
type BlobLocation struct {
	Account   string
	Container string
	Blob      string
}

var blobURIPattern = regexp.MustCompile(`^https://([^./]+)\.blob\.core\.windows\.net/([^/]+)/(.+)$`)

// ParseBlobURI splits a VHD storage URL of the form
// https://{account}.blob.core.windows.net/{container}/{blob} back
// into its three components.
func ParseBlobURI(uri string) (BlobLocation, error) {
	m := blobURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return BlobLocation{}, errors.NotValidf("blob URI %q", uri)
	}
	return BlobLocation{Account: m[1], Container: m[2], Blob: m[3]}, nil
}

// ServiceURL returns the blob service endpoint for the location's
// storage account.
func (l BlobLocation) ServiceURL() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", l.Account)
}

// URI returns the full blob URL for the location.
func (l BlobLocation) URI() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", l.Account, l.Container, l.Blob)
}

var resourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]*[a-zA-Z0-9_]$`)

// ValidateResourceName checks the virtual-network naming rules: only
// letters, digits, underscores and hyphens, ending in a letter, digit
// or underscore.
func ValidateResourceName(name string) error {
	if !resourceNamePattern.MatchString(name) {
		return errors.NotValidf(
			"name %q (names may contain only letters, numbers, underscores and hyphens, and must end in a letter, number or underscore)", name)
	}
	return nil
}

// ValidateCIDR checks that prefix is a well-formed address range in
// CIDR notation.
func ValidateCIDR(prefix string) error {
	if _, _, err := net.ParseCIDR(prefix); err != nil {
		return errors.NotValidf("address prefix %q", prefix)
	}
	return nil
}

// CanonicalLocation returns the canonicalized location string. The
// ARM APIs do not support embedded whitespace, whereas older APIs used
// to; we allow the user to provide either and compare one form.
func CanonicalLocation(s string) string {
	return strings.ToLower(strings.Replace(s, " ", "", -1))
}

// StringSlice converts a coerced schema list value to []string.
func StringSlice(v interface{}) []string {
	if v == nil {
		return nil
	}
	items := v.([]interface{})
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.(string)
	}
	return result
}

// StringMap converts a coerced schema string map value to
// map[string]string.
func StringMap(v interface{}) map[string]string {
	if v == nil {
		return nil
	}
	items := v.(map[string]interface{})
	result := make(map[string]string, len(items))
	for k, item := range items {
		result[k] = item.(string)
	}
	return result
}
