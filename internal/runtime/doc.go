// Package runtime defines the capability surface the kernel needs from an
// embedded interpreter: package installation, dependency discovery, code
// execution with streamed output, and introspection of installed packages.
//
// Implementations live in subpackages. python runs cells in a CPython
// subprocess; runtimetest provides a scriptable double for tests.
package runtime
