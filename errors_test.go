package lwis

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("TransactionSubmit", CodeInvalidArg, "too many trigger nodes")

	if err.Op != "TransactionSubmit" {
		t.Errorf("Expected Op=TransactionSubmit, got %s", err.Op)
	}
	if err.Code != CodeInvalidArg {
		t.Errorf("Expected Code=CodeInvalidArg, got %s", err.Code)
	}

	expected := "lwis: too many trigger nodes (op=TransactionSubmit)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("DeviceEnable", 123, CodeBusy, "device in use")

	if err.DevID != 123 {
		t.Errorf("Expected DevID=123, got %d", err.DevID)
	}

	expected := "lwis: device in use (op=DeviceEnable, dev=123)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestClientError(t *testing.T) {
	err := NewClientError("EventDequeue", 7, CodeNotFound, "queue empty")

	if err.ClientID != 7 {
		t.Errorf("Expected ClientID=7, got %d", err.ClientID)
	}
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewDeviceError("RegIo", 3, CodeBusy, "bus held")
	wrapped := WrapError("TransactionExecute", inner)

	if wrapped.Code != CodeBusy {
		t.Errorf("expected wrapped code CodeBusy, got %s", wrapped.Code)
	}
	if wrapped.DevID != 3 {
		t.Errorf("expected DevID to carry through, got %d", wrapped.DevID)
	}
	if !errors.Is(wrapped, inner) {
		t.Errorf("expected errors.Is to match on code")
	}
}

func TestWrapErrorMapsErrno(t *testing.T) {
	wrapped := WrapError("RegIo", syscall.ETIMEDOUT)
	if wrapped.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %s", wrapped.Code)
	}
	if !errors.Is(wrapped, syscall.ETIMEDOUT) {
		t.Errorf("expected errors.Is to match wrapped errno")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Errorf("expected nil passthrough")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", CodeTimeout, "operation timed out")

	if !IsCode(err, CodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, CodeFaulted) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, CodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, CodeNotFound},
		{syscall.EBUSY, CodeBusy},
		{syscall.EINVAL, CodeInvalidArg},
		{syscall.ENOMEM, CodeNoMemory},
		{syscall.ETIMEDOUT, CodeTimeout},
		{syscall.ENOSYS, CodeNotSupported},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
