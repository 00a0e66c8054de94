//go:build linux

package mimalloc

const hugeTLBSupported = true
