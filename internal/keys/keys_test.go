package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	ns := "reports"
	assert.Equal(t, "fieldsync:{reports}:record:abc", Record(ns, "abc"))
	assert.Equal(t, "fieldsync:{reports}:status:pending", Status(ns, "pending"))
	assert.Equal(t, "fieldsync:{reports}:unique", Unique(ns))
}

func TestKeys_For(t *testing.T) {
	s := For("incidents")
	assert.Equal(t, "fieldsync:{incidents}:status:pending", s.Pending)
	assert.Equal(t, "fieldsync:{incidents}:status:uploading", s.Uploading)
	assert.Equal(t, "fieldsync:{incidents}:status:completed", s.Completed)
	assert.Equal(t, "fieldsync:{incidents}:status:failed", s.Failed)
	assert.Equal(t, "fieldsync:{incidents}:unique", s.Unique)
	assert.Equal(t, "fieldsync:{incidents}:record:r1", s.Record("r1"))
	assert.Equal(t, "fieldsync:{incidents}:status:failed", s.ByStatus("failed"))
}
