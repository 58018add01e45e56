package errors_test

import (
	goerrors "errors"
	"testing"

	"github.com/dargueta/sectorfs/errors"
	"github.com/stretchr/testify/assert"
)

func TestDriverError__WithMessage(t *testing.T) {
	newErr := errors.ErrNoSpaceOnDevice.WithMessage("asdfqwerty")
	assert.Equal(
		t, "No space left on device: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, errors.ErrNoSpaceOnDevice)
	assert.Equal(t, errors.ENOSPC, newErr.Errno())
}

func TestDriverError__Wrap(t *testing.T) {
	originalErr := goerrors.New("original error")
	newErr := errors.ErrExists.Wrap(originalErr)
	expectedMessage := "File exists: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, errors.ErrExists, "errno error not set as parent")
}

func TestDriverError__MatchesByErrno(t *testing.T) {
	custom := errors.NewWithMessage(errors.ENOENT, "sector 12 is past the end of the file")
	assert.ErrorIs(t, custom, errors.ErrNotFound)
	assert.NotErrorIs(t, custom, errors.ErrPermissionDenied)
	assert.Equal(t, "No such file or directory: sector 12 is past the end of the file", custom.Error())
}

func TestDriverError__NewFromError(t *testing.T) {
	cause := goerrors.New("short write")
	err := errors.NewFromError(errors.EIO, cause)
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.ErrorIs(t, err, cause)
}

func TestStrError__Unknown(t *testing.T) {
	assert.Equal(t, "error 9999 not recognized.", errors.StrError(errors.Errno(9999)))
}
