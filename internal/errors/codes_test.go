package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamError_Kinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		argument   bool
		state      bool
		rebalance  bool
		processing bool
		status     int
	}{
		{name: "unknown stream", err: UnknownStream("s1"), argument: true, status: http.StatusNotFound},
		{name: "duplicate tailer", err: DuplicateTailer("g", "s1-00"), argument: true, status: http.StatusBadRequest},
		{name: "codec mismatch", err: CodecMismatch("s1", "proto", "json"), argument: true, status: http.StatusBadRequest},
		{name: "closed", err: Closed("appender s1"), state: true, status: http.StatusConflict},
		{name: "unassigned", err: UnassignedPartition("s1-02"), state: true, status: http.StatusConflict},
		{name: "unsupported", err: Unsupported("subscribe"), state: true, status: http.StatusNotImplemented},
		{name: "rebalance", err: Rebalance("g", []string{"s1-00"}), rebalance: true, status: http.StatusServiceUnavailable},
		{name: "processing", err: ProcessingFailed("C1", io.EOF), processing: true, status: http.StatusInternalServerError},
		{name: "disk full", err: DiskFull(97.5, 10), status: http.StatusInsufficientStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.argument, IsArgument(tt.err))
			assert.Equal(t, tt.state, IsState(tt.err))
			assert.Equal(t, tt.rebalance, IsRebalance(tt.err))
			assert.Equal(t, tt.processing, IsProcessing(tt.err))
			assert.Equal(t, tt.status, tt.err.(*StreamError).HTTPStatus())
		})
	}
}

func TestStreamError_Wrapped(t *testing.T) {
	base := UnknownStream("orders")
	wrapped := fmt.Errorf("failed to open appender: %w", base)

	assert.True(t, IsStreamError(wrapped))
	assert.True(t, IsArgument(wrapped))
	assert.Equal(t, ErrCodeUnknownStream, GetCode(wrapped))
	assert.Equal(t, "orders", base.Details["stream"])
}

func TestStreamError_Cause(t *testing.T) {
	err := StorageFailed("failed to append", io.ErrUnexpectedEOF)

	assert.Equal(t, "failed to append: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, ErrCodeInternal, GetCode(io.EOF))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.False(t, IsArgument(nil))
}
