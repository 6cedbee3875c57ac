// Copyright 2024 The osdev-arm Authors.
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

// Package kernelerr defines the error values the kernel returns, one
// singleton per errno. Callers compare them with ==; Code converts any of
// them to the negative integer the syscall ABI carries back to user space.
package kernelerr

import (
	"github.com/andrey-glotov/osdev-arm/pkg/abi/errno"
)

// Error pairs an errno with its descriptive message. All Error values are
// the package-level singletons below; code elsewhere never constructs one.
type Error struct {
	code    errno.Errno
	message string
}

func newError(code errno.Errno, message string) *Error {
	return &Error{code: code, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the numeric error code.
func (e *Error) Errno() errno.Errno { return e.code }

// The kernel's error taxonomy. Comparable with == after passing through
// any number of error returns.
var (
	EPERM        = newError(errno.EPERM, "operation not permitted")
	ENOENT       = newError(errno.ENOENT, "no such file or directory")
	ESRCH        = newError(errno.ESRCH, "no such process")
	EIO          = newError(errno.EIO, "I/O error")
	ENOEXEC      = newError(errno.ENOEXEC, "exec format error")
	EBADF        = newError(errno.EBADF, "bad file number")
	ECHILD       = newError(errno.ECHILD, "no child processes")
	EAGAIN       = newError(errno.EAGAIN, "try again")
	ENOMEM       = newError(errno.ENOMEM, "out of memory")
	EACCES       = newError(errno.EACCES, "permission denied")
	EFAULT       = newError(errno.EFAULT, "bad address")
	EBUSY        = newError(errno.EBUSY, "device or resource busy")
	EEXIST       = newError(errno.EEXIST, "file exists")
	ENOTDIR      = newError(errno.ENOTDIR, "not a directory")
	EISDIR       = newError(errno.EISDIR, "is a directory")
	EINVAL       = newError(errno.EINVAL, "invalid argument")
	ENFILE       = newError(errno.ENFILE, "file table overflow")
	EMFILE       = newError(errno.EMFILE, "too many open files")
	ENOSPC       = newError(errno.ENOSPC, "no space left on device")
	ENAMETOOLONG = newError(errno.ENAMETOOLONG, "file name too long")
	ENOSYS       = newError(errno.ENOSYS, "invalid system call number")
	ENOTEMPTY    = newError(errno.ENOTEMPTY, "directory not empty")
	ETIMEDOUT    = newError(errno.ETIMEDOUT, "timed out")
)

// Code returns the value err is reported as on the syscall boundary: zero
// for nil, the negated errno for a kernel error. Passing any other error
// type is a kernel bug.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	e, ok := err.(*Error)
	if !ok {
		panic("kernelerr: not a kernel error: " + err.Error())
	}
	return -int32(e.Errno())
}
