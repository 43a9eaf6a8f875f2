package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
)

const (
	// Size limits
	MaxStreamNameSize = 249              // kafka topic name limit
	MaxGroupNameSize  = 255
	MaxKeySize        = 1024             // 1 KB
	MaxDataSize       = 10 * 1024 * 1024 // 10 MB
	MaxPartitions     = 4096
)

// Validator validates stream operations
type Validator struct {
	maxKeySize  int
	maxDataSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:  MaxKeySize,
		maxDataSize: MaxDataSize,
	}
}

// NewValidatorWithLimits creates a validator with custom record limits
func NewValidatorWithLimits(maxKeySize, maxDataSize int) *Validator {
	return &Validator{
		maxKeySize:  maxKeySize,
		maxDataSize: maxDataSize,
	}
}

// ValidateStreamName validates a stream name.
// Stream names are used as directory and topic names: letters, digits, '.', '_' and '-' only.
func (v *Validator) ValidateStreamName(name string) error {
	if name == "" {
		return errors.InvalidArgument("stream name cannot be empty", nil)
	}
	if len(name) > MaxStreamNameSize {
		return errors.InvalidArgument(fmt.Sprintf("stream name exceeds maximum size of %d bytes", MaxStreamNameSize), nil).
			WithDetail("stream", name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "_") {
		return errors.InvalidArgument(fmt.Sprintf("reserved stream name '%s'", name), nil).
			WithDetail("stream", name)
	}
	for _, r := range name {
		if !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) && r != '.' && r != '_' && r != '-' {
			return errors.InvalidArgument(fmt.Sprintf("invalid character %q in stream name '%s'", r, name), nil).
				WithDetail("stream", name)
		}
	}
	return nil
}

// ValidateGroupName validates a consumer group name
func (v *Validator) ValidateGroupName(group string) error {
	if group == "" {
		return errors.InvalidArgument("group name cannot be empty", nil)
	}
	if len(group) > MaxGroupNameSize {
		return errors.InvalidArgument(fmt.Sprintf("group name exceeds maximum size of %d bytes", MaxGroupNameSize), nil).
			WithDetail("group", group)
	}

	// Check for control characters, null bytes included
	for _, r := range group {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("group name cannot contain control characters", nil).
				WithDetail("group", group)
		}
	}
	return nil
}

// ValidatePartitions validates a partition count
func (v *Validator) ValidatePartitions(partitions int) error {
	if partitions < 1 || partitions > MaxPartitions {
		return errors.InvalidArgument(fmt.Sprintf("partitions must be between 1 and %d, got %d", MaxPartitions, partitions), nil).
			WithDetail("partitions", partitions)
	}
	return nil
}

// ValidateRecord validates the key and payload sizes of a record
func (v *Validator) ValidateRecord(rec model.Record) error {
	if len(rec.Key) > v.maxKeySize {
		return errors.RecordTooLarge("key", len(rec.Key), v.maxKeySize)
	}
	if len(rec.Data) > v.maxDataSize {
		return errors.RecordTooLarge("data", len(rec.Data), v.maxDataSize)
	}
	if rec.Watermark < 0 {
		return errors.InvalidArgument(fmt.Sprintf("record watermark cannot be negative: %d", rec.Watermark), nil)
	}
	return nil
}

// EstimateAppendSize estimates the disk space needed to append an encoded record
// This is used by the disk manager to check available space
func EstimateAppendSize(encodedSize int) uint64 {
	// frame header plus index bookkeeping, with a 20% margin
	total := uint64(encodedSize + 8 + 16)
	return total + (total / 5)
}
