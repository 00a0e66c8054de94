// Copyright 2024 The Mimalloc-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mimalloc implements the core of a general-purpose, per-thread
// allocation engine in the style of Microsoft's mimalloc: fixed-size-class
// pages carved out of segment-aligned OS regions, a sharded multi-free-list
// per page that lets the owner thread allocate lock-free while other
// threads free with a single CAS, and a first-class Heap abstraction with
// bulk-destroy semantics and abandoned-page reclaim.
//
// This package is the allocation core only. It does not provide a C
// malloc/free shim, option/environment parsing from the process
// environment, or statistics printing; callers wanting those build them on
// top of the Heap and AllocatorWorld APIs exposed here.
package mimalloc
