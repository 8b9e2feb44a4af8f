package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Backend is the S3 remote state location for one deployment run. Encryption
// at rest is always on.
type Backend struct {
	Bucket string
	Key    string
	Region string
}

// writeBackendFile renders backend.tf into the module root, replacing
// whatever backend the template shipped with.
func writeBackendFile(moduleDir string, b Backend) error {
	if b.Bucket == "" || b.Key == "" || b.Region == "" {
		return fmt.Errorf("workspace: incomplete backend config: bucket=%q key=%q region=%q", b.Bucket, b.Key, b.Region)
	}

	f := hclwrite.NewEmptyFile()
	tfBlock := f.Body().AppendNewBlock("terraform", nil)
	s3 := tfBlock.Body().AppendNewBlock("backend", []string{"s3"}).Body()
	s3.SetAttributeValue("bucket", cty.StringVal(b.Bucket))
	s3.SetAttributeValue("key", cty.StringVal(b.Key))
	s3.SetAttributeValue("region", cty.StringVal(b.Region))
	s3.SetAttributeValue("encrypt", cty.True)

	path := filepath.Join(moduleDir, "backend.tf")
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		return fmt.Errorf("workspace: write backend.tf: %w", err)
	}
	return nil
}
