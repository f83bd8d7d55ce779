// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains errno-valued errors exported as error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
//
// Only the errnos produced by the page list, object and address region
// packages are defined here. Each one doubles as the result class of the
// address-space operations:
//
//	ENOMEM     resource exhaustion (pages, nodes, no room to split)
//	EINVAL     invalid arguments; rejected before any mutation
//	EBADFD     operation on a dead region, mapping or object
//	ERANGE     overlap, missing gap, or a range crossing a sub-region
//	EACCES     permissions beyond what a region or mapping allows
//	ENOENT     fault on an address no mapping covers
//	EOPNOTSUPP operation not supported for this object or list
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. EPERM.Errno() == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	noError    *errors.Error = nil
	EPERM                    = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                   = errors.New(unix.ENOENT, "no such file or directory")
	EIO                      = errors.New(unix.EIO, "I/O error")
	EAGAIN                   = errors.New(unix.EAGAIN, "try again")
	ENOMEM                   = errors.New(unix.ENOMEM, "out of memory")
	EACCES                   = errors.New(unix.EACCES, "permission denied")
	EFAULT                   = errors.New(unix.EFAULT, "bad address")
	EBUSY                    = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                   = errors.New(unix.EEXIST, "file exists")
	EINVAL                   = errors.New(unix.EINVAL, "invalid argument")
	EFBIG                    = errors.New(unix.EFBIG, "file too large")
	ERANGE                   = errors.New(unix.ERANGE, "math result not representable")
	EOVERFLOW                = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	EBADFD                   = errors.New(unix.EBADFD, "file descriptor in bad state")
	EOPNOTSUPP               = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")

	// Errors equivalent to other errors.
	ENOTSUP = EOPNOTSUPP
)

// errorMap holds errors by errno for translation between unix.Errno and
// *errors.Error.
var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.EIO:        EIO,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EACCES:     EACCES,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EEXIST:     EEXIST,
	unix.EINVAL:     EINVAL,
	unix.EFBIG:      EFBIG,
	unix.ERANGE:     ERANGE,
	unix.EOVERFLOW:  EOVERFLOW,
	unix.EBADFD:     EBADFD,
	unix.EOPNOTSUPP: EOPNOTSUPP,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	e, ok := errorMap[err]
	if !ok {
		panic(fmt.Sprintf("invalid error requested with errno: %v", err))
	}
	return e
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// FromName returns the error for an errno name such as "ENOMEM".
func FromName(name string) (*errors.Error, bool) {
	for errno, e := range errorMap {
		if unix.ErrnoName(errno) == name {
			return e, true
		}
	}
	return nil, false
}
