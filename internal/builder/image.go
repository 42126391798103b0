package builder

import (
	"fmt"
	"regexp"
	"strings"
)

var imageRefPattern = regexp.MustCompile(
	`^(([a-z0-9-]+\.[a-z0-9.-]+(:[0-9]+)?/)?[a-z0-9._\-/]+)[:@]([a-zA-Z0-9._-]+)$`)

// ImageRef is a parsed container image reference. Registry is empty for
// Docker Hub images.
type ImageRef struct {
	Repository string
	Registry   string
	Tag        string
}

// ParseImageRef splits an image reference into repository, registry and
// tag. The tag "local" marks an image that must not be pulled.
func ParseImageRef(image string) (ImageRef, error) {
	m := imageRefPattern.FindStringSubmatch(image)
	if m == nil {
		return ImageRef{}, fmt.Errorf("not a valid docker image name: %q", image)
	}
	return ImageRef{
		Repository: m[1],
		Registry:   strings.TrimSuffix(m[2], "/"),
		Tag:        m[4],
	}, nil
}

// Local reports whether the image is tagged "local" and therefore
// expected to exist on the host already.
func (r ImageRef) Local() bool {
	return r.Tag == "local"
}
