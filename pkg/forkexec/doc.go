// Package forkexec provides interface to fork and execve a command with
// credentials, rlimits, an optional seccomp filter and remapped standard
// streams.
//
// Failures in the child, including a failed execve, are reported through
// a close-on-exec backchannel pipe as a ChildError. Start does not wait on
// the backchannel: its read end is returned to the caller, which observes
// either a ChildError or EOF once the command was executed.
//
// pipe2, dup3 requires kernel >= 2.6.27
// execveat requires kernel >= 3.19
package forkexec
