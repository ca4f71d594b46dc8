// Package packaging turns a base image plus source bundles into a deployable
// agent image.
package packaging

import (
	"context"
	"strconv"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Request describes one build.
type Request struct {
	Name    string
	Bundles []v1.SourceBundle
}

// Packager builds an AgentImage from bundles. Builds are synchronous: the
// returned job is terminal.
type Packager interface {
	Package(ctx context.Context, req Request) (*v1.PackageJob, error)
}

// bundleName picks the directory name for a bundle inside the image: the
// human-readable "name" label when present, else its position.
func bundleName(b v1.SourceBundle, idx int) string {
	if name, ok := b.Labels["name"]; ok && name != "" {
		return name
	}
	return "bundle-" + strconv.Itoa(idx)
}
