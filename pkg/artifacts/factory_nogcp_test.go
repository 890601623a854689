//go:build !gcp

package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_GCSRequiresBuildTag(t *testing.T) {
	_, err := New(context.Background(), Config{Type: BackendGCS, GCSBucket: "b"})
	assert.ErrorContains(t, err, "-tags gcp")
}
