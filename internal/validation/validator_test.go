package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidator_StreamName(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		stream  string
		wantErr bool
	}{
		{"simple", "orders", false},
		{"with separators", "audit.events_v2-eu", false},
		{"empty", "", true},
		{"too long", strings.Repeat("s", MaxStreamNameSize+1), true},
		{"slash", "a/b", true},
		{"dot dot", "..", true},
		{"reserved prefix", "_offsets", true},
		{"space", "my stream", true},
		{"unicode", "flux-é", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStreamName(tt.stream)
			if tt.wantErr {
				assert.True(t, errors.IsArgument(err), "expected argument error, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidator_GroupName(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateGroupName("test/results"))
	assert.Error(t, v.ValidateGroupName(""))
	assert.Error(t, v.ValidateGroupName("bad\x00group"))
	assert.Error(t, v.ValidateGroupName(strings.Repeat("g", MaxGroupNameSize+1)))
}

func TestValidator_Partitions(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePartitions(1))
	assert.NoError(t, v.ValidatePartitions(MaxPartitions))
	assert.Error(t, v.ValidatePartitions(0))
	assert.Error(t, v.ValidatePartitions(-3))
}

func TestValidator_Record(t *testing.T) {
	v := NewValidatorWithLimits(4, 8)

	assert.NoError(t, v.ValidateRecord(model.NewRecord("key", []byte("payload"))))

	err := v.ValidateRecord(model.NewRecord("too-long", nil))
	assert.Equal(t, errors.ErrCodeRecordTooLarge, errors.GetCode(err))

	err = v.ValidateRecord(model.NewRecord("k", []byte("way too much data")))
	assert.Equal(t, errors.ErrCodeRecordTooLarge, errors.GetCode(err))

	err = v.ValidateRecord(model.NewRecordWithWatermark("k", nil, -1))
	assert.True(t, errors.IsArgument(err))
}

func TestEstimateAppendSize(t *testing.T) {
	assert.Greater(t, EstimateAppendSize(100), uint64(100))
}
