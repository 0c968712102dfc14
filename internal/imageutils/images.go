// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package imageutils resolves marketplace image references against
// the platform image catalogue.
package imageutils

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("azrm.imageutils")

// LatestVersion is the sentinel version requesting the newest
// published image of a SKU.
const LatestVersion = "latest"

// ChooseVersion resolves an image version against the catalogue for
// the given location. When version is "latest" the newest published
// version of the SKU is returned; otherwise the version must exist in
// the catalogue.
func ChooseVersion(
	ctx context.Context,
	client *armcompute.VirtualMachineImagesClient,
	location, publisher, offer, sku, version string,
) (string, error) {
	logger.Debugf("listing versions for %s:%s:%s in %s", publisher, offer, sku, location)
	resp, err := client.List(ctx, location, publisher, offer, sku, nil)
	if err != nil {
		return "", errors.Annotatef(err, "listing image versions for %s:%s:%s", publisher, offer, sku)
	}
	var versions imageVersions
	for _, image := range resp.VirtualMachineImageResourceArray {
		if image == nil || image.Name == nil {
			continue
		}
		v, err := parseImageVersion(*image.Name)
		if err != nil {
			logger.Debugf("ignoring unparseable image version %q", *image.Name)
			continue
		}
		versions = append(versions, v)
	}
	if version != LatestVersion {
		for _, v := range versions {
			if v.raw == version {
				return version, nil
			}
		}
		return "", errors.NotFoundf("image version %q for %s:%s:%s", version, publisher, offer, sku)
	}
	if len(versions) == 0 {
		return "", errors.NotFoundf("image versions for %s:%s:%s", publisher, offer, sku)
	}
	sort.Sort(versions)
	chosen := versions[len(versions)-1]
	logger.Debugf("chose image version %q", chosen.raw)
	return chosen.raw, nil
}

type imageVersion struct {
	raw   string
	parts []int
}

type imageVersions []imageVersion

func (v imageVersions) Len() int      { return len(v) }
func (v imageVersions) Swap(i, j int) { v[i], v[j] = v[j], v[i] }

func (v imageVersions) Less(i, j int) bool {
	left, right := v[i].parts, v[j].parts
	for k := 0; k < len(left) && k < len(right); k++ {
		if left[k] != right[k] {
			return left[k] < right[k]
		}
	}
	return len(left) < len(right)
}

func parseImageVersion(s string) (imageVersion, error) {
	fields := strings.Split(s, ".")
	parts := make([]int, len(fields))
	for i, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			return imageVersion{}, errors.NotValidf("image version %q", s)
		}
		parts[i] = n
	}
	return imageVersion{raw: s, parts: parts}, nil
}
