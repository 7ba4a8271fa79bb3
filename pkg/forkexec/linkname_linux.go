package forkexec

import _ "unsafe" // required for go:linkname

// These three hooks are the same runtime coordination points
// src/syscall/exec_linux.go uses around its own raw clone/fork sequence:
// the runtime must stop the world (stop other goroutines from allocating
// or otherwise touching memory the child's single thread might also touch
// post-clone) between the call into beforeFork and the matching afterFork
// or afterForkInChild.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
